package driver

import (
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes the SSH endpoint used for the sysfs attribute
// fallback. Older Pluto firmware ships an IIOD build that rejects
// attribute writes; writing the matching sysfs file over SSH works on all
// of them.
type SSHConfig struct {
	Host      string
	User      string
	Password  string
	KeyPath   string
	Port      int
	SysfsRoot string
}

// SSHAttributeWriter mirrors IIO attribute writes onto sysfs over SSH.
type SSHAttributeWriter struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
}

// NewSSHAttributeWriter validates configuration and prepares a writer.
// The connection is established lazily on first write.
func NewSSHAttributeWriter(cfg SSHConfig) (*SSHAttributeWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for sysfs fallback")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/bus/iio/devices"
	}
	return &SSHAttributeWriter{cfg: cfg}, nil
}

// WriteAttr writes value to the sysfs file derived from the IIO attribute
// triple (device/channel/attr).
func (w *SSHAttributeWriter) WriteAttr(device, channel, attr, value string) error {
	client, err := w.dial()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	target := w.attributePath(device, channel, attr)
	cmd := fmt.Sprintf("printf '%s' > %s", strings.ReplaceAll(value, "'", ""), target)
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("write sysfs attribute via ssh: %w", err)
	}
	return nil
}

// Close tears down the SSH connection if one was established.
func (w *SSHAttributeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return nil
	}
	err := w.client.Close()
	w.client = nil
	return err
}

func (w *SSHAttributeWriter) dial() (*ssh.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		return w.client, nil
	}

	auth := []ssh.AuthMethod{}
	if w.cfg.Password != "" {
		auth = append(auth, ssh.Password(w.cfg.Password))
	}
	if w.cfg.KeyPath != "" {
		key, err := os.ReadFile(w.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            w.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	addr := net.JoinHostPort(w.cfg.Host, fmt.Sprintf("%d", w.cfg.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}
	w.client = client
	return client, nil
}

func (w *SSHAttributeWriter) attributePath(device, channel, attr string) string {
	base := path.Join(w.cfg.SysfsRoot, device)
	if channel == "" {
		return path.Join(base, attr)
	}
	prefix := "in"
	if strings.HasPrefix(strings.ToLower(channel), "altvoltage") || strings.HasPrefix(strings.ToLower(channel), "out") {
		prefix = "out"
	}
	return path.Join(base, fmt.Sprintf("%s_%s_%s", prefix, channel, attr))
}
