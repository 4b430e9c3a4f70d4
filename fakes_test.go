package hymolkm

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap/zaptest"
)

const testRelease = "5.15.104-android13-8-g1234567"

// recorder collects the order in which collaborators are called.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.list() {
		if e == event {
			n++
		}
	}
	return n
}

// fakeControl is a scriptable ControlChannel.
type fakeControl struct {
	rec       *recorder
	available bool

	setEnabledErr error
	clearErr      error
}

func (c *fakeControl) Available() bool { return c.available }

func (c *fakeControl) SetEnabled(enabled bool) error {
	c.rec.add("set_enabled(%t)", enabled)
	return c.setEnabledErr
}

func (c *fakeControl) ClearRules() error {
	c.rec.add("clear_rules")
	return c.clearErr
}

func (c *fakeControl) ReleaseConnection() { c.rec.add("release") }

func (c *fakeControl) InvalidateStatusCache() { c.rec.add("invalidate") }

// fakeKernel is a scriptable Kernel. deleteErrs is consumed one entry per
// call; the last entry repeats once exhausted.
type fakeKernel struct {
	rec *recorder

	finitErr   error
	initErr    error
	deleteErrs []error

	initImage   []byte
	initParams  string
	deleteTimes []time.Time
}

func (k *fakeKernel) FinitModule(fd int, params string, flags int) error {
	k.rec.add("finit_module")
	return k.finitErr
}

func (k *fakeKernel) InitModule(image []byte, params string) error {
	k.rec.add("init_module")
	k.initImage = append([]byte(nil), image...)
	k.initParams = params
	return k.initErr
}

func (k *fakeKernel) DeleteModule(name string, flags int) error {
	k.rec.add("delete_module(%s,%d)", name, flags)
	k.deleteTimes = append(k.deleteTimes, time.Now())
	if len(k.deleteErrs) == 0 {
		return nil
	}
	err := k.deleteErrs[0]
	if len(k.deleteErrs) > 1 {
		k.deleteErrs = k.deleteErrs[1:]
	}
	return err
}

// brokenAssets writes a partial image and then fails.
type brokenAssets struct {
	fs afero.Fs
}

func (b *brokenAssets) CopyAssetToFile(name, dest string) error {
	if err := afero.WriteFile(b.fs, dest, []byte("partial"), 0o600); err != nil {
		return err
	}
	return fmt.Errorf("asset %s: short copy", name)
}

// testEnv bundles a Manager with its fakes on an in-memory filesystem.
type testEnv struct {
	fs      afero.Fs
	rec     *recorder
	control *fakeControl
	kernel  *fakeKernel
	sleeps  []time.Duration
	rmmod   []string
	rmmodFn func(name string, args ...string) error
	m       *Manager
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	fs := afero.NewMemMapFs()
	rec := &recorder{}
	env := &testEnv{
		fs:      fs,
		rec:     rec,
		control: &fakeControl{rec: rec},
		kernel:  &fakeKernel{rec: rec},
	}
	writeFile(t, fs, defaultReleasePath, testRelease+"\n")

	base := []Option{
		WithFs(fs),
		WithArch(ArchARM64),
		WithControl(env.control),
		WithKernel(env.kernel),
		WithLogger(zaptest.NewLogger(t)),
		WithReleaseSources(defaultReleasePath, nil),
		WithUnloadRetry(defaultUnloadRetries, 0),
	}
	env.m = New(append(base, opts...)...)
	env.m.sleep = func(d time.Duration) {
		rec.add("sleep")
		env.sleeps = append(env.sleeps, d)
	}
	env.m.run = func(name string, args ...string) error {
		rec.add("rmmod")
		env.rmmod = append(env.rmmod, name+" "+fmt.Sprint(args))
		if env.rmmodFn != nil {
			return env.rmmodFn(name, args...)
		}
		return nil
	}
	return env
}

// addAsset places the image for kmi in the default asset directory.
func (e *testEnv) addAsset(t *testing.T, kmi string, data []byte) {
	t.Helper()
	writeFile(t, e.fs, DefaultAssetsDir+"/"+AssetName(kmi, ArchARM64), string(data))
}

// tempImages lists leftover materialized images in the state directory.
func (e *testEnv) tempImages(t *testing.T) []string {
	t.Helper()
	matches, err := afero.Glob(e.fs, DefaultStateDir+"/"+tempPattern)
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return ok
}

// modinfoELF builds a minimal relocatable ELF64 carrying a .modinfo section.
func modinfoELF(records ...string) []byte {
	var modinfo bytes.Buffer
	for _, r := range records {
		modinfo.WriteString(r)
		modinfo.WriteByte(0)
	}
	shstrtab := []byte("\x00.modinfo\x00.shstrtab\x00")

	const (
		ehsize    = 64
		shentsize = 64
	)
	modinfoOff := ehsize
	shstrOff := modinfoOff + modinfo.Len()
	shOff := shstrOff + len(shstrtab)
	shOff += (8 - shOff%8) % 8

	buf := make([]byte, shOff+3*shentsize)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le := func(off int, v uint64, n int) {
		for i := 0; i < n; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	le(16, 1, 2)             // e_type ET_REL
	le(18, 183, 2)           // e_machine EM_AARCH64
	le(20, 1, 4)             // e_version
	le(40, uint64(shOff), 8) // e_shoff
	le(52, ehsize, 2)        // e_ehsize
	le(58, shentsize, 2)     // e_shentsize
	le(60, 3, 2)             // e_shnum
	le(62, 2, 2)             // e_shstrndx

	copy(buf[modinfoOff:], modinfo.Bytes())
	copy(buf[shstrOff:], shstrtab)

	section := func(idx int, name, typ uint32, off, size int) {
		base := shOff + idx*shentsize
		le(base, uint64(name), 4)
		le(base+4, uint64(typ), 4)
		le(base+24, uint64(off), 8)
		le(base+32, uint64(size), 8)
		le(base+48, 1, 8) // sh_addralign
	}
	section(1, 1, 1, modinfoOff, modinfo.Len()) // .modinfo SHT_PROGBITS
	section(2, 10, 3, shstrOff, len(shstrtab))  // .shstrtab SHT_STRTAB
	return buf
}
