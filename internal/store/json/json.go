// Package json implements a JSON file-based persistence driver.
// It uses atomic writes (temp file + fsync + rename) and in-process locking.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/web-tech-tw/freya-go/internal/store"
)

const (
	roomsFile       = "rooms.json"
	submissionsFile = "submissions.json"
	usersFile       = "users.json"
)

func init() {
	store.Register("json", NewDriver)
}

// Driver implements store.Store using JSON files.
type Driver struct {
	dataDir string
	mu      sync.RWMutex
	closed  bool

	rooms       map[string]*store.Room       // keyed by code
	submissions map[string]*store.Submission // keyed by code
	users       map[string]*store.User       // keyed by id

	pageIndex     map[string]string // pageURL -> room code
	usernameIndex map[string]string // username -> user id
	emailIndex    map[string]string // non-empty email -> user id
}

// NewDriver creates a new JSON driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for json driver")
	}

	return &Driver{
		dataDir:       cfg.DataDir,
		rooms:         make(map[string]*store.Room),
		submissions:   make(map[string]*store.Submission),
		users:         make(map[string]*store.User),
		pageIndex:     make(map[string]string),
		usernameIndex: make(map[string]string),
		emailIndex:    make(map[string]string),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "json"
}

// Init loads data from JSON files.
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := d.loadFile(roomsFile, &d.rooms); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load rooms: %w", err)
	}
	if err := d.loadFile(submissionsFile, &d.submissions); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load submissions: %w", err)
	}
	if err := d.loadFile(usersFile, &d.users); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load users: %w", err)
	}

	d.pageIndex = make(map[string]string, len(d.rooms))
	for code, room := range d.rooms {
		d.pageIndex[room.PageURL] = code
	}
	d.usernameIndex = make(map[string]string, len(d.users))
	d.emailIndex = make(map[string]string, len(d.users))
	for id, user := range d.users {
		d.usernameIndex[user.Username] = id
		if user.Email != "" {
			d.emailIndex[user.Email] = id
		}
	}
	return nil
}

// Close releases resources.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) loadFile(filename string, target any) error {
	data, err := os.ReadFile(filepath.Join(d.dataDir, filename))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// saveFile atomically writes data to a JSON file.
// Pattern: write to temp file, fsync, rename.
func (d *Driver) saveFile(filename string, data any) error {
	path := filepath.Join(d.dataDir, filename)
	tempPath := path + ".tmp"

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(jsonData); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func sortRooms(rooms []*store.Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt != rooms[j].CreatedAt {
			return rooms[i].CreatedAt < rooms[j].CreatedAt
		}
		return rooms[i].Code < rooms[j].Code
	})
}

// CreateRoom inserts a room; a taken code or page URL yields ErrAlreadyExists.
func (d *Driver) CreateRoom(ctx context.Context, room *store.Room) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return store.ErrClosed
	}
	if _, exists := d.rooms[room.Code]; exists {
		return store.ErrAlreadyExists
	}
	if _, exists := d.pageIndex[room.PageURL]; exists {
		return store.ErrAlreadyExists
	}

	now := time.Now().Unix()
	if room.CreatedAt == 0 {
		room.CreatedAt = now
	}
	room.UpdatedAt = now

	d.rooms[room.Code] = room.Clone()
	d.pageIndex[room.PageURL] = room.Code
	return d.saveFile(roomsFile, d.rooms)
}

// GetRoomByCode retrieves a room by its code.
func (d *Driver) GetRoomByCode(ctx context.Context, code string) (*store.Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	room, ok := d.rooms[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return room.Clone(), nil
}

// GetRoomByPageURL retrieves a room by its canonical page URL.
func (d *Driver) GetRoomByPageURL(ctx context.Context, pageURL string) (*store.Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	code, ok := d.pageIndex[pageURL]
	if !ok {
		return nil, store.ErrNotFound
	}
	room, ok := d.rooms[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return room.Clone(), nil
}

// UpdateRoomPage overwrites the ticket page fields of a room.
func (d *Driver) UpdateRoomPage(ctx context.Context, code string, page store.RoomPage) (*store.Room, error) {
	return d.mutateRoom(code, func(room *store.Room) error {
		room.Label = page.Label
		room.Members = page.Members
		room.Description = page.Description
		room.BackgroundImage = page.BackgroundImage
		return nil
	})
}

// AddAdministrator appends userID to the room's administrators.
func (d *Driver) AddAdministrator(ctx context.Context, code, userID string) (*store.Room, error) {
	return d.mutateRoom(code, func(room *store.Room) error {
		if slices.Contains(room.Administrators, userID) {
			return store.ErrAlreadyAdministrator
		}
		room.Administrators = append(room.Administrators, userID)
		return nil
	})
}

// RemoveAdministrator drops userID from the room's administrators.
func (d *Driver) RemoveAdministrator(ctx context.Context, code, userID string) (*store.Room, error) {
	return d.mutateRoom(code, func(room *store.Room) error {
		idx := slices.Index(room.Administrators, userID)
		if idx < 0 {
			return store.ErrNotAdministrator
		}
		room.Administrators = slices.Delete(room.Administrators, idx, idx+1)
		return nil
	})
}

// mutateRoom applies fn to a copy of the stored room and commits it, all
// under the write lock. The stored room is left as is when fn fails.
func (d *Driver) mutateRoom(code string, fn func(*store.Room) error) (*store.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	old, exists := d.rooms[code]
	if !exists {
		return nil, store.ErrNotFound
	}
	room := old.Clone()
	if err := fn(room); err != nil {
		return old.Clone(), err
	}

	room.UpdatedAt = time.Now().Unix()
	d.rooms[code] = room
	if err := d.saveFile(roomsFile, d.rooms); err != nil {
		d.rooms[code] = old
		return nil, err
	}
	return room.Clone(), nil
}

// DeleteRoom deletes a room.
func (d *Driver) DeleteRoom(ctx context.Context, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return store.ErrClosed
	}
	room, exists := d.rooms[code]
	if !exists {
		return store.ErrNotFound
	}
	delete(d.pageIndex, room.PageURL)
	delete(d.rooms, code)
	return d.saveFile(roomsFile, d.rooms)
}

// ListRoomsByAdministrator returns the rooms userID administers.
func (d *Driver) ListRoomsByAdministrator(ctx context.Context, userID string) ([]*store.Room, error) {
	return d.listRooms(func(r *store.Room) bool { return r.IsAdministrator(userID) })
}

// ListRoomsByCreator returns the rooms created by userID.
func (d *Driver) ListRoomsByCreator(ctx context.Context, userID string) ([]*store.Room, error) {
	return d.listRooms(func(r *store.Room) bool { return r.Creator == userID })
}

func (d *Driver) listRooms(match func(*store.Room) bool) ([]*store.Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	rooms := make([]*store.Room, 0)
	for _, room := range d.rooms {
		if match(room) {
			rooms = append(rooms, room.Clone())
		}
	}
	sortRooms(rooms)
	return rooms, nil
}

// CreateSubmission inserts a submission.
func (d *Driver) CreateSubmission(ctx context.Context, sub *store.Submission) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return store.ErrClosed
	}
	if _, exists := d.submissions[sub.Code]; exists {
		return store.ErrAlreadyExists
	}

	now := time.Now().Unix()
	if sub.CreatedAt == 0 {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	cp := *sub
	d.submissions[sub.Code] = &cp
	return d.saveFile(submissionsFile, d.submissions)
}

// GetSubmission retrieves a submission filed against roomCode.
func (d *Driver) GetSubmission(ctx context.Context, roomCode, code string) (*store.Submission, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	sub, ok := d.submissions[code]
	if !ok || sub.RoomCode != roomCode {
		return nil, store.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// DeleteSubmission deletes a submission.
func (d *Driver) DeleteSubmission(ctx context.Context, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return store.ErrClosed
	}
	if _, exists := d.submissions[code]; !exists {
		return store.ErrNotFound
	}
	delete(d.submissions, code)
	return d.saveFile(submissionsFile, d.submissions)
}

// CreateUser inserts a user; a taken id, username or email yields ErrAlreadyExists.
func (d *Driver) CreateUser(ctx context.Context, user *store.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return store.ErrClosed
	}
	if _, exists := d.users[user.ID]; exists {
		return store.ErrAlreadyExists
	}
	if _, exists := d.usernameIndex[user.Username]; exists {
		return store.ErrAlreadyExists
	}
	if _, exists := d.emailIndex[user.Email]; exists && user.Email != "" {
		return store.ErrAlreadyExists
	}

	now := time.Now().Unix()
	if user.CreatedAt == 0 {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	cp := *user
	d.users[user.ID] = &cp
	d.usernameIndex[user.Username] = user.ID
	if user.Email != "" {
		d.emailIndex[user.Email] = user.ID
	}
	return d.saveFile(usersFile, d.users)
}

// GetUser retrieves a user by id.
func (d *Driver) GetUser(ctx context.Context, id string) (*store.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	user, ok := d.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

// GetUserByUsername retrieves a user by login name.
func (d *Driver) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	id, ok := d.usernameIndex[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d.users[id]
	return &cp, nil
}

// GetUserByEmail retrieves a user by lowercased email.
func (d *Driver) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	id, ok := d.emailIndex[email]
	if !ok || email == "" {
		return nil, store.ErrNotFound
	}
	cp := *d.users[id]
	return &cp, nil
}

// UpdateUser replaces an existing user.
func (d *Driver) UpdateUser(ctx context.Context, user *store.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return store.ErrClosed
	}
	old, exists := d.users[user.ID]
	if !exists {
		return store.ErrNotFound
	}
	if other, taken := d.usernameIndex[user.Username]; taken && other != user.ID {
		return store.ErrAlreadyExists
	}
	if other, taken := d.emailIndex[user.Email]; taken && other != user.ID && user.Email != "" {
		return store.ErrAlreadyExists
	}

	user.UpdatedAt = time.Now().Unix()
	delete(d.usernameIndex, old.Username)
	delete(d.emailIndex, old.Email)
	cp := *user
	d.users[user.ID] = &cp
	d.usernameIndex[user.Username] = user.ID
	if user.Email != "" {
		d.emailIndex[user.Email] = user.ID
	}
	return d.saveFile(usersFile, d.users)
}

var _ store.Store = (*Driver)(nil)
