// Package sqlite implements a SQLite-based persistence driver using GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web-tech-tw/freya-go/internal/store"
)

// DatabaseFile is created inside the configured data directory.
const DatabaseFile = "freya.db"

func init() {
	store.Register("sqlite", NewDriver)
}

// Driver implements store.Store using SQLite via GORM.
type Driver struct {
	dataDir string
	db      *gorm.DB
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}
	return &Driver{dataDir: cfg.DataDir}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Init opens the database and runs AutoMigrate.
func (d *Driver) Init(ctx context.Context) error {
	if err := os.MkdirAll(d.dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(d.dataDir, DatabaseFile)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	d.db = db

	if err := db.WithContext(ctx).AutoMigrate(&store.Room{}, &store.Submission{}, &store.User{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrAlreadyExists
	default:
		return err
	}
}

// CreateRoom inserts a room; a taken code or page URL yields ErrAlreadyExists.
func (d *Driver) CreateRoom(ctx context.Context, room *store.Room) error {
	now := time.Now().Unix()
	if room.CreatedAt == 0 {
		room.CreatedAt = now
	}
	room.UpdatedAt = now
	return translate(d.db.WithContext(ctx).Create(room).Error)
}

// GetRoomByCode retrieves a room by its code.
func (d *Driver) GetRoomByCode(ctx context.Context, code string) (*store.Room, error) {
	var room store.Room
	if err := d.db.WithContext(ctx).First(&room, "code = ?", code).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

// GetRoomByPageURL retrieves a room by its canonical page URL.
func (d *Driver) GetRoomByPageURL(ctx context.Context, pageURL string) (*store.Room, error) {
	var room store.Room
	if err := d.db.WithContext(ctx).First(&room, "page_url = ?", pageURL).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

// UpdateRoomPage writes the ticket page columns only, leaving the
// administrator list untouched.
func (d *Driver) UpdateRoomPage(ctx context.Context, code string, page store.RoomPage) (*store.Room, error) {
	var room store.Room
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&store.Room{}).
			Where("code = ?", code).
			Select("label", "members", "description", "background_image", "updated_at").
			Updates(&store.Room{
				Label:           page.Label,
				Members:         page.Members,
				Description:     page.Description,
				BackgroundImage: page.BackgroundImage,
				UpdatedAt:       time.Now().Unix(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return tx.First(&room, "code = ?", code).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

// AddAdministrator appends userID in one conditional UPDATE, so the
// membership check and the write cannot interleave with another change.
func (d *Driver) AddAdministrator(ctx context.Context, code, userID string) (*store.Room, error) {
	const q = `UPDATE rooms
SET administrators = json_insert(administrators, '$[#]', ?), updated_at = ?
WHERE code = ?
  AND NOT EXISTS (SELECT 1 FROM json_each(rooms.administrators) WHERE json_each.value = ?)`
	return d.changeAdministrators(ctx, code, store.ErrAlreadyAdministrator, q, userID, time.Now().Unix(), code, userID)
}

// RemoveAdministrator filters userID out in one conditional UPDATE.
func (d *Driver) RemoveAdministrator(ctx context.Context, code, userID string) (*store.Room, error) {
	const q = `UPDATE rooms
SET administrators = (SELECT json_group_array(value) FROM json_each(rooms.administrators) WHERE value <> ?), updated_at = ?
WHERE code = ?
  AND EXISTS (SELECT 1 FROM json_each(rooms.administrators) WHERE json_each.value = ?)`
	return d.changeAdministrators(ctx, code, store.ErrNotAdministrator, q, userID, time.Now().Unix(), code, userID)
}

// changeAdministrators runs a conditional update and reads the row back in
// the same transaction. No affected row means either the room is missing
// or the condition failed, reported as unchanged.
func (d *Driver) changeAdministrators(ctx context.Context, code string, unchanged error, q string, args ...any) (*store.Room, error) {
	var room store.Room
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(q, args...)
		if result.Error != nil {
			return result.Error
		}
		if err := tx.First(&room, "code = ?", code).Error; err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return unchanged
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

// DeleteRoom deletes a room.
func (d *Driver) DeleteRoom(ctx context.Context, code string) error {
	result := d.db.WithContext(ctx).Delete(&store.Room{}, "code = ?", code)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListRoomsByAdministrator returns the rooms whose administrator list
// contains userID.
func (d *Driver) ListRoomsByAdministrator(ctx context.Context, userID string) ([]*store.Room, error) {
	var rooms []*store.Room
	err := d.db.WithContext(ctx).
		Where("EXISTS (SELECT 1 FROM json_each(rooms.administrators) WHERE json_each.value = ?)", userID).
		Order("created_at").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// ListRoomsByCreator returns the rooms created by userID.
func (d *Driver) ListRoomsByCreator(ctx context.Context, userID string) ([]*store.Room, error) {
	var rooms []*store.Room
	if err := d.db.WithContext(ctx).Where("creator = ?", userID).Order("created_at").Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateSubmission inserts a submission.
func (d *Driver) CreateSubmission(ctx context.Context, sub *store.Submission) error {
	now := time.Now().Unix()
	if sub.CreatedAt == 0 {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	return translate(d.db.WithContext(ctx).Create(sub).Error)
}

// GetSubmission retrieves a submission filed against roomCode.
func (d *Driver) GetSubmission(ctx context.Context, roomCode, code string) (*store.Submission, error) {
	var sub store.Submission
	if err := d.db.WithContext(ctx).First(&sub, "room_code = ? AND code = ?", roomCode, code).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

// DeleteSubmission deletes a submission.
func (d *Driver) DeleteSubmission(ctx context.Context, code string) error {
	result := d.db.WithContext(ctx).Delete(&store.Submission{}, "code = ?", code)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateUser inserts a user; a taken id, username or email yields ErrAlreadyExists.
func (d *Driver) CreateUser(ctx context.Context, user *store.User) error {
	now := time.Now().Unix()
	if user.CreatedAt == 0 {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	return translate(d.db.WithContext(ctx).Create(user).Error)
}

// GetUser retrieves a user by id.
func (d *Driver) GetUser(ctx context.Context, id string) (*store.User, error) {
	var user store.User
	if err := d.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// GetUserByUsername retrieves a user by login name.
func (d *Driver) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	var user store.User
	if err := d.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by lowercased email.
func (d *Driver) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	if email == "" {
		return nil, store.ErrNotFound
	}
	var user store.User
	if err := d.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// UpdateUser overwrites every column of an existing user.
func (d *Driver) UpdateUser(ctx context.Context, user *store.User) error {
	user.UpdatedAt = time.Now().Unix()
	result := d.db.WithContext(ctx).Model(&store.User{}).
		Where("id = ?", user.ID).
		Select("*").
		Updates(user)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.Store = (*Driver)(nil)
