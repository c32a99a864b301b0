// Package ipc implements the one-shot filesystem mailbox shared by the
// supervisor and its worker.
//
// The worker is the only writer of the restart command and reason files and
// writes them just before it exits; the supervisor is the only reader and
// reads them only after the worker has exited. The supervisor is the only
// writer of the unclean-shutdown log and the deploy status.
package ipc

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/turtacn/Phoenix/pkg/consts"
	perrors "github.com/turtacn/Phoenix/pkg/errors"
	"github.com/turtacn/Phoenix/pkg/protocol"
)

// Mailbox is an IPC directory.
type Mailbox struct {
	dir string
}

// New returns a Mailbox rooted at dir. Nothing is touched until Reset.
func New(dir string) *Mailbox {
	return &Mailbox{dir: dir}
}

// Dir returns the mailbox directory.
func (m *Mailbox) Dir() string { return m.dir }

// Path returns the path of name inside the mailbox.
func (m *Mailbox) Path(name string) string { return filepath.Join(m.dir, name) }

// Reset creates the directory if needed and removes everything inside it.
func (m *Mailbox) Reset() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return perrors.New(perrors.ErrCodeIPC, "ResetIPC", "cannot create ipc directory", err)
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return perrors.New(perrors.ErrCodeIPC, "ResetIPC", "cannot list ipc directory", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(m.Path(e.Name())); err != nil {
			return perrors.New(perrors.ErrCodeIPC, "ResetIPC", "cannot remove "+e.Name(), err)
		}
	}
	return nil
}

// TakeCommand consumes the restart command. ok is false when the worker left
// no command file. The returned command is trimmed but not validated.
func (m *Mailbox) TakeCommand() (cmd protocol.Command, ok bool, err error) {
	path := m.Path(consts.FileRestartCommand)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, perrors.New(perrors.ErrCodeIPC, "TakeCommand", "cannot read restart command", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", false, perrors.New(perrors.ErrCodeIPC, "TakeCommand", "cannot remove restart command", err)
	}
	return protocol.Command(strings.TrimSpace(string(data))), true, nil
}

// PutCommand writes the restart command, and the reason when non-empty.
// It is the worker side of the mailbox.
func (m *Mailbox) PutCommand(cmd protocol.Command, reason string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return perrors.New(perrors.ErrCodeIPC, "PutCommand", "cannot create ipc directory", err)
	}
	if reason != "" {
		if err := os.WriteFile(m.Path(consts.FileReason), []byte(reason), 0o644); err != nil {
			return perrors.New(perrors.ErrCodeIPC, "PutCommand", "cannot write reason", err)
		}
	}
	if err := os.WriteFile(m.Path(consts.FileRestartCommand), []byte(cmd), 0o644); err != nil {
		return perrors.New(perrors.ErrCodeIPC, "PutCommand", "cannot write restart command", err)
	}
	return nil
}

// AppendUnclean appends one JSON line to the unclean-shutdown log.
func (m *Mailbox) AppendUnclean(rec protocol.UncleanShutdown) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return perrors.New(perrors.ErrCodeIPC, "AppendUnclean", "cannot encode record", err)
	}
	f, err := os.OpenFile(m.Path(consts.FileUncleanShutdown), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return perrors.New(perrors.ErrCodeIPC, "AppendUnclean", "cannot open unclean-shutdown log", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return perrors.New(perrors.ErrCodeIPC, "AppendUnclean", "cannot append record", err)
	}
	return nil
}

// UncleanRecords reads back the unclean-shutdown log.
func (m *Mailbox) UncleanRecords() ([]protocol.UncleanShutdown, error) {
	f, err := os.Open(m.Path(consts.FileUncleanShutdown))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []protocol.UncleanShutdown
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var rec protocol.UncleanShutdown
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// WriteStatus replaces the deploy status file.
func (m *Mailbox) WriteStatus(status protocol.DeployStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return perrors.New(perrors.ErrCodeIPC, "WriteStatus", "cannot encode status", err)
	}
	if err := os.WriteFile(m.Path(consts.FileStatus), data, 0o644); err != nil {
		return perrors.New(perrors.ErrCodeIPC, "WriteStatus", "cannot write status", err)
	}
	return nil
}

// ReadStatus reads the deploy status file.
func (m *Mailbox) ReadStatus() (protocol.DeployStatus, error) {
	var status protocol.DeployStatus
	data, err := os.ReadFile(m.Path(consts.FileStatus))
	if err != nil {
		return status, err
	}
	err = json.Unmarshal(data, &status)
	return status, err
}

// InstalledPackages reads the package ledger. A missing ledger is empty.
func (m *Mailbox) InstalledPackages() ([]string, error) {
	data, err := os.ReadFile(m.Path(consts.FileInstalledPackages))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return splitLines(string(data)), nil
}

// SetInstalledPackages rewrites the package ledger.
func (m *Mailbox) SetInstalledPackages(pkgs []string) error {
	var b strings.Builder
	for _, p := range pkgs {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return os.WriteFile(m.Path(consts.FileInstalledPackages), []byte(b.String()), 0o644)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Personal.AI order the ending
