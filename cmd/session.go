package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"board-sync/internal/board"
	"board-sync/internal/config"
	"board-sync/internal/history"
	"board-sync/internal/logging"
	"board-sync/internal/projectstatus"
	"board-sync/internal/shell"
	"board-sync/internal/syncdata"
	"board-sync/internal/transport"
	"board-sync/internal/util"
)

// flags shared by every device command
var (
	flagAddress   string
	flagTransport string
)

// session is one connection to the device for the length of a command.
type session struct {
	cfg   *config.Config
	board *board.Board
	shell *shell.Shell
	lock  *syncdata.DeviceLock
	log   *zap.Logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadAndValidateConfig()
	if err != nil {
		return nil, err
	}
	if flagAddress != "" {
		cfg.Address = flagAddress
	}
	if flagTransport != "" {
		cfg.Transport = flagTransport
	}
	return cfg, nil
}

// resolveAddress picks the configured address, then an auto-detected serial
// port, then the port used last time.
func resolveAddress(cfg *config.Config) (string, error) {
	if cfg.Address != "" {
		return cfg.Address, nil
	}
	port, err := transport.AutoSelectPort(cfg.AutoconnectManufacturers)
	if err != nil {
		logging.Named("cmd").Warn("port discovery failed", zap.Error(err))
	}
	if port != "" {
		util.Default.Printf("Found board on %s\n", port)
		return port, nil
	}
	if lc, err := config.LoadLocalConfig("."); err == nil && lc.LastPort != "" {
		return lc.LastPort, nil
	}
	return "", errors.New("no device address configured and no known board found. Set address in board-sync.yaml or run 'board-sync ports'")
}

// openSession connects to the device. output receives device output that no
// command consumed; nil discards it.
func openSession(ctx context.Context, cfg *config.Config, reboot bool, output func(string)) (*session, error) {
	address, err := resolveAddress(cfg)
	if err != nil {
		return nil, err
	}
	lock, err := syncdata.LockDevice(address)
	if err != nil {
		return nil, err
	}

	tr, err := transport.New(transport.Options{
		Kind:     transport.Kind(cfg.Transport),
		Address:  address,
		BaudRate: cfg.BaudRate,
		Password: cfg.Password,
	})
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	log := logging.Named("cmd").With(zap.String("address", address), zap.String("transport", string(tr.Kind())))

	b := board.New(tr, board.Options{
		Timeout:        cfg.Timeout(),
		CtrlCOnConnect: cfg.CtrlCOnConnect,
		Output:         output,
		OnError: func(err error) {
			log.Warn("device error", zap.Error(err))
		},
	})
	util.Default.Printf("Connecting to %s...\n", address)
	if err := b.Connect(ctx); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	log.Info("connected")

	if err := history.AddDevice(address, string(tr.Kind())); err != nil {
		log.Debug("history not updated", zap.Error(err))
	}
	if tr.Kind() == transport.KindSerial {
		if lc, err := config.LoadLocalConfig("."); err == nil {
			lc.LastPort = address
			lc.Board = config.LocalBoard{Address: address, Transport: string(tr.Kind())}
			_ = lc.Save()
		}
	}

	sh := shell.New(b, shell.Options{
		ChunkSize:         cfg.ChunkSize(),
		HashCheckMaxSize:  cfg.HashCheckMaxSize,
		RebootAfterUpload: reboot,
	})
	return &session{cfg: cfg, board: b, shell: sh, lock: lock, log: log}, nil
}

func (s *session) Close() {
	if err := s.board.Disconnect(); err != nil {
		s.log.Debug("disconnect", zap.Error(err))
	}
	s.lock.Unlock()
}

// withShell runs fn in raw mode and returns the device to the friendly
// prompt afterwards, also when fn failed.
func withShell(ctx context.Context, fn func(ctx context.Context, s *session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openSession(ctx, cfg, false, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.board.StopRunningPrograms(ctx); err != nil {
		s.log.Debug("stop running programs", zap.Error(err))
	}
	if err := s.shell.Initialise(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, s)

	exitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout())
	defer cancel()
	if err := s.shell.Exit(exitCtx); err != nil {
		s.log.Warn("exit failed", zap.Error(err))
		_ = s.board.EnterFriendlyReplNoWait()
	}
	return runErr
}

// syncFolder is the local folder mirrored to the device root.
func syncFolder(cfg *config.Config) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, filepath.FromSlash(cfg.SyncFolder)), nil
}

// openHashCache opens the local hash cache, clearing it when reset_cache is
// set. A cache that cannot be opened only costs speed.
func openHashCache(cfg *config.Config) *projectstatus.HashCache {
	cache, err := projectstatus.OpenHashCache(projectstatus.CacheFile)
	if err != nil {
		logging.Named("cmd").Warn("hash cache unavailable", zap.Error(err))
		return nil
	}
	if cfg.ResetCache {
		if n, err := cache.Reset(); err == nil {
			util.Default.Printf("Hash cache cleared (%d entries)\n", n)
		}
	}
	return cache
}
