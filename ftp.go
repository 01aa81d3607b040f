package main

import (
	"crypto/tls"
	"errors"
	"fmt"

	ftpserver "github.com/fclairamb/ftpserverlib"
	log "github.com/fclairamb/go-log"
	"github.com/spf13/afero"
)

var errNoTLS = errors.New("TLS is not configured")

// FTPServer serves one filesystem to every authenticated client.
type FTPServer struct {
	Settings   *ftpserver.Settings
	FileSystem afero.Fs
	// User and Password guard the server. An empty User accepts anyone.
	User     string
	Password string
	Logger   log.Logger
}

func (s *FTPServer) GetSettings() (*ftpserver.Settings, error) {
	return s.Settings, nil
}

func (s *FTPServer) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	s.Logger.Info("client connected", "id", cc.ID(), "addr", cc.RemoteAddr().String())
	return "sdspi raw card image server", nil
}

func (s *FTPServer) ClientDisconnected(cc ftpserver.ClientContext) {
	s.Logger.Info("client disconnected", "id", cc.ID())
}

func (s *FTPServer) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	if s.User != "" && (user != s.User || pass != s.Password) {
		s.Logger.Warn("authentication failed", "id", cc.ID(), "user", user)
		return nil, fmt.Errorf("user %q: bad credentials", user)
	}
	return s.FileSystem, nil
}

func (s *FTPServer) GetTLSConfig() (*tls.Config, error) {
	return nil, errNoTLS
}
