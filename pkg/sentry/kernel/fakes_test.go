package kernel

import (
	"sync"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/sentry/arch"
	_ "github.com/driftkernel/drift/pkg/sentry/arch/amd64"
)

// fakeAddressSpace is a minimal in-memory AddressSpace for tests: a flat
// byte buffer addressed as [base, base+len(mem)), with StackTop at the
// high end.
type fakeAddressSpace struct {
	mu   sync.Mutex
	refs int32
	base uintptr
	mem  []byte
}

func newFakeAddressSpace(size int) *fakeAddressSpace {
	return &fakeAddressSpace{refs: 1, base: 0x10000000, mem: make([]byte, size)}
}

func (a *fakeAddressSpace) IncRef() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs++
}

func (a *fakeAddressSpace) DecRef() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs--
	return a.refs == 0
}

func (a *fakeAddressSpace) Fork() (AddressSpace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]byte, len(a.mem))
	copy(cp, a.mem)
	return &fakeAddressSpace{refs: 1, base: a.base, mem: cp}, nil
}

func (a *fakeAddressSpace) StackTop() uintptr {
	return a.base + uintptr(len(a.mem))
}

func (a *fakeAddressSpace) PushStack(b []byte) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(b) > len(a.mem) {
		return 0, kerrors.New(kerrors.E2Big, "fakeAddressSpace: stack too small")
	}
	off := len(a.mem) - len(b)
	copy(a.mem[off:], b)
	return a.base + uintptr(off), nil
}

func (a *fakeAddressSpace) WriteAt(addr uintptr, b []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr < a.base {
		return kerrors.New(kerrors.InvalidArgument, "fakeAddressSpace: address below base")
	}
	off := int(addr - a.base)
	if off+len(b) > len(a.mem) {
		return kerrors.New(kerrors.InvalidArgument, "fakeAddressSpace: write out of range")
	}
	copy(a.mem[off:], b)
	return nil
}

// fakeFile is a minimal refcounted File.
type fakeFile struct {
	mu     sync.Mutex
	refs   int32
	header []byte
	closed bool
}

func newFakeFile(header []byte) *fakeFile { return &fakeFile{refs: 1, header: header} }

func (f *fakeFile) IncRef() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
}

func (f *fakeFile) DecRef() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
}

func (f *fakeFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func fakeReadHeader(f File, n int) ([]byte, error) {
	ff := f.(*fakeFile)
	if len(ff.header) < n {
		return ff.header, nil
	}
	return ff.header[:n], nil
}

// fakeELFLoader always returns a successful ELFImage backed by a fresh
// fakeAddressSpace, regardless of file contents.
type fakeELFLoader struct{}

func (fakeELFLoader) CreateContext(file File, argv, envp []string) (*ELFImage, error) {
	as := newFakeAddressSpace(1 << 16)
	return &ELFImage{
		Entry:      0x400000,
		Base:       0,
		Phdr:       0x400040,
		Phnum:      3,
		Phent:      56,
		AddrSpace:  as,
		Executable: file,
	}, nil
}

func newTestKernel() *Kernel {
	return NewKernel(Config{
		Arch:      amd64Ctx(),
		ELFLoader: fakeELFLoader{},
		NumCPU:    2,
	})
}

// amd64Ctx obtains the registered amd64 arch.Context via the blank import
// above, the same registry-lookup path cmd/kdiag uses at startup.
func amd64Ctx() ArchContext {
	return arch.Lookup("amd64")
}
