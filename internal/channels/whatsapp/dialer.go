// Package whatsapp implements the session capability on top of whatsmeow.
// Each instance gets its own SQLite device store inside its credential
// directory, so instances never share keys.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/wagate/internal/session"
)

// StoreFile is the device store written inside each credential directory.
const StoreFile = "store.db"

const sqliteDialect = "sqlite"

// DialerConfig configures NewDialer.
type DialerConfig struct {
	// DeviceName is shown in the phone's linked-devices list.
	DeviceName string
	// LogLevel filters whatsmeow's own logging.
	LogLevel string
	Media    MediaConfig
}

// Dialer opens whatsmeow clients. Implements session.Dialer.
type Dialer struct {
	cfg   DialerConfig
	media *MediaFetcher
}

// NewDialer creates a dialer. It sets the process-wide device name.
func NewDialer(cfg DialerConfig) *Dialer {
	if cfg.DeviceName == "" {
		cfg.DeviceName = "wagate"
	}
	store.DeviceProps.Os = proto.String(cfg.DeviceName)
	return &Dialer{cfg: cfg, media: NewMediaFetcher(cfg.Media)}
}

// storeDSN returns the modernc sqlite DSN for a store file. whatsmeow
// requires foreign keys.
func storeDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Dial opens the device store in credentialDir and connects. An unpaired
// device starts emitting QR events; a paired one resumes its session.
func (d *Dialer) Dial(ctx context.Context, instanceID, credentialDir string) (session.Client, error) {
	log := newLogger("whatsmeow/"+instanceID, d.cfg.LogLevel)

	db, err := sql.Open(sqliteDialect, storeDSN(filepath.Join(credentialDir, StoreFile)))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	container := sqlstore.NewWithDB(db, sqliteDialect, log.Sub("store"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	c := newClient(instanceID, whatsmeow.NewClient(device, log.Sub("client")), db, d.media)

	if c.wa.Store.ID == nil {
		qrCh, err := c.wa.GetQRChannel(c.ctx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		go c.consumeQR(qrCh)
	}

	if err := c.wa.Connect(); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	slog.Info("whatsapp client connecting", "instance", instanceID, "paired", c.wa.Store.ID != nil)
	return c, nil
}
