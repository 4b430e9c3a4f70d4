package hymolkm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ControlChannel is the slice of the live HymoFS control channel the
// lifecycle manager depends on. Whether the module is loaded is decided
// solely by Available.
type ControlChannel interface {
	// Available reports whether the module is loaded and answering.
	Available() bool
	// SetEnabled switches the module's hook path on or off.
	SetEnabled(enabled bool) error
	// ClearRules removes every active rule.
	ClearRules() error
	// ReleaseConnection drops any handle this process holds on the module.
	// It is re-acquired lazily on next use.
	ReleaseConnection()
	// InvalidateStatusCache forces the next Available to re-query the kernel.
	InvalidateStatusCache()
}

// ErrControlUnsupported is returned by channels that cannot issue
// control requests to the module.
var ErrControlUnsupported = errors.New("control request not supported by this channel")

// Status is the availability state of the HymoFS control channel.
type Status int

const (
	StatusNotPresent Status = iota
	StatusAvailable
)

var statusNames = map[Status]string{
	StatusNotPresent: "not present",
	StatusAvailable:  "available",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", s)
}

const (
	procModulesPath = "/proc/modules"
	sysModuleDir    = "/sys/module"
)

// ModuleChannel is a presence-only [ControlChannel]: it reports the module
// as available when the kernel lists it as loaded, and refuses control
// requests. Use it where the HymoFS control client is not linked in.
type ModuleChannel struct {
	fs   afero.Fs
	name string

	mu     sync.Mutex
	cached *Status
}

// NewModuleChannel returns a ModuleChannel watching [ModuleName] on fs.
func NewModuleChannel(fs afero.Fs) *ModuleChannel {
	return &ModuleChannel{fs: fs, name: ModuleName}
}

// Status returns the cached status, querying the kernel on first use or
// after InvalidateStatusCache.
func (c *ModuleChannel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil {
		return *c.cached
	}
	st := StatusNotPresent
	if c.loaded() {
		st = StatusAvailable
	}
	c.cached = &st
	return st
}

func (c *ModuleChannel) loaded() bool {
	f, err := c.fs.Open(procModulesPath)
	if err == nil {
		defer f.Close()
		if found, err := listsModule(f, c.name); err == nil {
			return found
		}
	}
	ok, _ := afero.DirExists(c.fs, filepath.Join(sysModuleDir, c.name))
	return ok
}

// listsModule reports whether a /proc/modules listing contains name.
func listsModule(r io.Reader, name string) (bool, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[0] == name {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func (c *ModuleChannel) Available() bool {
	return c.Status() == StatusAvailable
}

func (c *ModuleChannel) SetEnabled(bool) error {
	return ErrControlUnsupported
}

func (c *ModuleChannel) ClearRules() error {
	return ErrControlUnsupported
}

func (c *ModuleChannel) ReleaseConnection() {}

func (c *ModuleChannel) InvalidateStatusCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}
