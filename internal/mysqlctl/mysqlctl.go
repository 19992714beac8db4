// Package mysqlctl starts and stops the local MySQL service around a backup
// run and verifies the server is answering queries afterwards. Service
// control shells out to the init system; availability checks go through the
// MySQL wire protocol.
package mysqlctl

import (
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	apperrors "github.com/takemura/backhaul/internal/errors"
	"github.com/takemura/backhaul/internal/logger"
)

// Connection identifies the MySQL instance being backed up.
type Connection struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the connection through the driver's own config type so quoting
// and defaults stay correct.
func (c Connection) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 3306
	}
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = c.Database
	cfg.Timeout = 5 * time.Second
	return cfg.FormatDSN()
}

// Controller manages the lifecycle of a MySQL service instance.
type Controller interface {
	StopInstance(ctx context.Context, service string) error
	StartInstance(ctx context.Context, service string) error
	VerifyAvailability(ctx context.Context, conn Connection, timeout time.Duration) error
}

// CommandRunner abstracts process execution so tests never touch systemctl.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// SystemdController drives mysqld through systemctl.
type SystemdController struct {
	run  CommandRunner
	ping func(ctx context.Context, dsn string) error
	log  *logger.Logger
}

func NewSystemdController(log *logger.Logger) *SystemdController {
	if log == nil {
		log = logger.Discard()
	}
	return &SystemdController{run: execRunner, ping: sqlPing, log: log}
}

func (s *SystemdController) StopInstance(ctx context.Context, service string) error {
	if service == "" {
		service = "mysql"
	}
	s.log.Info("stopping MySQL service", "service", service)
	if out, err := s.run(ctx, "systemctl", "stop", service); err != nil {
		return apperrors.Wrap(err, apperrors.TypeMySQLService,
			"failed to stop MySQL service: "+strings.TrimSpace(string(out)),
			"Check systemctl status "+service+" and unit permissions.")
	}
	return nil
}

func (s *SystemdController) StartInstance(ctx context.Context, service string) error {
	if service == "" {
		service = "mysql"
	}
	s.log.Info("starting MySQL service", "service", service)
	if out, err := s.run(ctx, "systemctl", "start", service); err != nil {
		return apperrors.Wrap(err, apperrors.TypeMySQLService,
			"failed to start MySQL service: "+strings.TrimSpace(string(out)),
			"Check systemctl status "+service+" and the MySQL error log.")
	}
	return nil
}

// VerifyAvailability polls the server until a ping succeeds or the timeout
// elapses. mysqld accepts connections a little before InnoDB recovery
// finishes, so one failed ping is never conclusive.
func (s *SystemdController) VerifyAvailability(ctx context.Context, conn Connection, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	dsn := conn.DSN()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = s.ping(ctx, dsn)
		if lastErr == nil {
			s.log.Info("MySQL is answering queries", "attempts", attempt)
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		s.log.Debug("MySQL not ready yet", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return apperrors.Wrap(lastErr, apperrors.TypeMySQLService,
		"MySQL did not become available within "+timeout.String(),
		"Inspect the MySQL error log; the instance may still be recovering.")
}

func sqlPing(ctx context.Context, dsn string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(pingCtx)
}
