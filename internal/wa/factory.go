package wa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/matheus3301/wpphub/internal/driver"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Factory builds adapters. Device stores are opened once per credentials
// path and shared by every adapter built for it, so a recreated driver reuses
// the paired device.
type Factory struct {
	logger *zap.Logger

	mu         sync.Mutex
	containers map[string]*sqlstore.Container
}

// NewFactory creates a factory. osName is the device name shown in the
// phone's linked devices list.
func NewFactory(osName string, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if osName != "" {
		wastore.SetOSInfo(osName, [3]uint32{0, 1, 0})
	}
	return &Factory{logger: logger, containers: make(map[string]*sqlstore.Container)}
}

// New satisfies driver.Factory.
func (f *Factory) New(instanceID, credentialsPath string) (driver.Client, error) {
	ctx := context.Background()
	container, err := f.container(ctx, credentialsPath)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}
	client := whatsmeow.NewClient(device, nil)
	return NewAdapter(instanceID, client, f.logger), nil
}

func (f *Factory) container(ctx context.Context, path string) (*sqlstore.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[path]; ok {
		return c, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	c, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path), nil)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	f.containers[path] = c
	return c, nil
}

// Close releases every device store.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for path, c := range f.containers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(f.containers, path)
	}
	return first
}
