package main

import (
	"context"
	"io"
	stdlog "log"
	"net/http"
	"os"

	log "github.com/fclairamb/go-log"
	"github.com/gorilla/handlers"
	"github.com/spf13/afero"
	"golang.org/x/net/webdav"
)

// FS adapts an afero.Fs to webdav.FileSystem.
type FS struct {
	afero.Fs
	logger log.Logger
}

func newFS(fs afero.Fs, logger log.Logger) *FS {
	return &FS{
		Fs:     fs,
		logger: logger,
	}
}

func (f *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	f.logger.Debug("webdav Mkdir", "name", name)
	return f.Fs.Mkdir(name, perm)
}

func (f *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	f.logger.Debug("webdav OpenFile", "name", name, "flag", flag)
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *FS) RemoveAll(ctx context.Context, name string) error {
	f.logger.Debug("webdav RemoveAll", "name", name)
	return f.Fs.RemoveAll(name)
}

func (f *FS) Rename(ctx context.Context, oldName, newName string) error {
	f.logger.Debug("webdav Rename", "old", oldName, "new", newName)
	return f.Fs.Rename(oldName, newName)
}

func (f *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	return f.Fs.Stat(name)
}

func newHandler(fs webdav.FileSystem, prefix string) http.Handler {
	return &webdav.Handler{
		Prefix:     prefix,
		FileSystem: fs,
		LockSystem: webdav.NewMemLS(),
	}
}

// newWebDAVServer returns an HTTP server exposing fs under prefix. Access
// lines go to accessLog and server errors to errorLog.
func newWebDAVServer(fs afero.Fs, prefix string, logger log.Logger, accessLog, errorLog io.Writer) *http.Server {
	h := newHandler(newFS(fs, logger), prefix)
	return &http.Server{
		Handler:  handlers.LoggingHandler(accessLog, h),
		ErrorLog: stdlog.New(errorLog, "http: ", 0),
	}
}
