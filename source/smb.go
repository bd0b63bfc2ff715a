package source

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hirochachacha/go-smb2"
	"github.com/pkg/errors"
)

const defaultSMBPort = 445

// SMBConfig locates an SMB/CIFS share.
type SMBConfig struct {
	Username    string        `yaml:"username" json:"username"`
	Password    string        `yaml:"password" json:"password"`
	Hostname    string        `yaml:"hostname" json:"hostname"`
	Port        int           `yaml:"port" json:"port"`
	Share       string        `yaml:"share" json:"share"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

func (c SMBConfig) address() string {
	port := c.Port
	if port == 0 {
		port = defaultSMBPort
	}
	return net.JoinHostPort(c.Hostname, fmt.Sprint(port))
}

// smbFile is a file on a mounted share. Closing it unmounts the share and
// ends the session.
type smbFile struct {
	*smb2.File
	share   *smb2.Share
	session *smb2.Session
	conn    net.Conn
}

func (f *smbFile) Close() error {
	err := f.File.Close()
	_ = f.share.Umount()
	_ = f.session.Logoff()
	_ = f.conn.Close()
	return err
}

// OpenSMB opens path on the share described by cfg, read-only.
func OpenSMB(cfg SMBConfig, path string) (_ io.ReadSeekCloser, err error) {
	if cfg.Hostname == "" || cfg.Share == "" {
		return nil, errors.New("smb source needs hostname and share")
	}

	conn, err := net.DialTimeout("tcp", cfg.address(), cfg.DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial smb %s", cfg.address())
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     cfg.Username,
			Password: cfg.Password,
		},
	}

	session, err := d.Dial(conn)
	if err != nil {
		return nil, errors.Wrap(err, "smb session")
	}
	defer func() {
		if err != nil {
			_ = session.Logoff()
		}
	}()

	share, err := session.Mount(cfg.Share)
	if err != nil {
		return nil, errors.Wrapf(err, "mount %s", cfg.Share)
	}
	defer func() {
		if err != nil {
			_ = share.Umount()
		}
	}()

	file, err := share.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	return &smbFile{File: file, share: share, session: session, conn: conn}, nil
}
