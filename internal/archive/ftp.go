package archive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	apperrors "github.com/takemura/backhaul/internal/errors"
)

// FTPArchive stores backups on a plain FTP server. Only reachable through
// FromURI with AllowInsecure set.
type FTPArchive struct {
	client     *ftp.ServerConn
	remotePath string
	host       string
}

func NewFTPArchive(u *url.URL) (*FTPArchive, error) {
	user := u.User.Username()
	pass, _ := u.User.Password()
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":21"
	}

	c, err := ftp.Dial(host, ftp.DialWithTimeout(5*time.Second))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConnection, "failed to connect to FTP server", "Check the host and port.")
	}
	if err := c.Login(user, pass); err != nil {
		c.Quit()
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "FTP login failed", "Check the username and password in the URI.")
	}

	return &FTPArchive{client: c, remotePath: u.Path, host: host}, nil
}

func (a *FTPArchive) Store(ctx context.Context, name string, r io.Reader) (string, error) {
	path := filepath.Join(a.remotePath, name)
	if err := a.ensureDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	if err := a.client.Stor(path, r); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", path, err)
	}
	return "ftp://" + a.host + path, nil
}

func (a *FTPArchive) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return a.client.Retr(filepath.Join(a.remotePath, name))
}

func (a *FTPArchive) Delete(ctx context.Context, name string) error {
	return a.client.Delete(filepath.Join(a.remotePath, name))
}

func (a *FTPArchive) Location() string {
	return "ftp://" + a.host + a.remotePath
}

func (a *FTPArchive) ensureDir(path string) error {
	if path == "." || path == "/" {
		return nil
	}
	current := ""
	if strings.HasPrefix(path, "/") {
		current = "/"
	}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		current = filepath.Join(current, part)
		_ = a.client.MakeDir(current) // exists already is fine
	}
	return nil
}

func (a *FTPArchive) Close() error {
	return a.client.Quit()
}
