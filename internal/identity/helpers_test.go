package identity_test

import (
	"testing"

	"github.com/web-tech-tw/freya-go/internal/identity"
	"github.com/web-tech-tw/freya-go/internal/store"
	_ "github.com/web-tech-tw/freya-go/internal/store/json"
	"github.com/web-tech-tw/freya-go/internal/store/storetest"
)

func newRepo(t *testing.T) *identity.StoreRepo {
	t.Helper()
	s := storetest.Open(t, &store.DriverConfig{Driver: "json", DataDir: t.TempDir()})
	return identity.NewStoreRepo(s)
}
