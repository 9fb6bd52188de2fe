package kernel

import (
	"bytes"
	"strings"

	"github.com/driftkernel/drift/pkg/kerrors"
)

// maxShebangLine is spec.md §6's "up to 256 bytes of the first line".
const maxShebangLine = 256

// shebangDepth bounds recursive interpreter resolution so a chain of
// scripts each pointing at the next cannot loop forever; spec.md names no
// explicit bound, so this mirrors the conservative depth Linux itself
// enforces for the same reason.
const shebangDepth = 4

// parseShebang extracts the interpreter path and at most one optional
// argument from a script's first line, per spec.md §6 "Shebang
// interpreter": leading whitespace is skipped, then whitespace-split.
// header must be the first (up to maxShebangLine) bytes of the file,
// already confirmed to start with "#!".
func parseShebang(header []byte) (interp string, arg string, ok bool) {
	if len(header) < 2 || header[0] != '#' || header[1] != '!' {
		return "", "", false
	}
	line := header[2:]
	if nl := bytes.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return "", "", false
	}
	interp = fields[0]
	if len(fields) > 1 {
		arg = fields[1]
	}
	return interp, arg, true
}

// HeaderReader reads the first n bytes of an open file, used only to sniff
// a "#!" prefix before committing to ELF loading.
type HeaderReader func(file File, n int) ([]byte, error)

// PathOpener resolves a path to an open File, the filesystem contract
// uproc_execve needs to follow a shebang's interpreter path; the VFS
// implementation itself is out of this module's scope (spec.md §1).
type PathOpener func(path string) (File, error)

// UProcExecve replaces the image running in thread t's process: spec.md
// §4.1 uproc_execve. If the file begins with "#!", the interpreter chain
// is resolved recursively (each hop rewrites argv to [interp, arg?,
// original_path, original_argv[1:]]); otherwise the ELFLoader is invoked
// directly.
func (k *Kernel) UProcExecve(t *Thread, file File, path string, argv, envp []string, readHeader HeaderReader, open PathOpener) error {
	return k.execveDepth(t, file, path, argv, envp, readHeader, open, 0)
}

func (k *Kernel) execveDepth(t *Thread, file File, path string, argv, envp []string, readHeader HeaderReader, open PathOpener, depth int) error {
	if depth > shebangDepth {
		return kerrors.New(kerrors.InvalidArgument, "uproc_execve: interpreter chain too deep")
	}

	header, err := readHeader(file, maxShebangLine)
	if err != nil {
		return err
	}

	if len(header) >= 2 && header[0] == '#' && header[1] == '!' {
		interp, arg, ok := parseShebang(header)
		if !ok {
			return kerrors.New(kerrors.InvalidName, "uproc_execve: malformed shebang line")
		}

		newArgv := []string{interp}
		if arg != "" {
			newArgv = append(newArgv, arg)
		}
		newArgv = append(newArgv, path)
		if len(argv) > 1 {
			newArgv = append(newArgv, argv[1:]...)
		}

		interpFile, err := open(interp)
		if err != nil {
			return kerrors.Wrap(kerrors.NoEntry, "uproc_execve: opening interpreter "+interp, err)
		}
		defer interpFile.DecRef()
		return k.execveDepth(t, interpFile, interp, newArgv, envp, readHeader, open, depth+1)
	}

	return k.execImage(t, file, path, argv, envp)
}

// execImage performs the non-shebang half of uproc_execve: delegate to
// the ELFLoader, then atomically swap in the new image.
func (k *Kernel) execImage(t *Thread, file File, path string, argv, envp []string) error {
	p := t.proc

	img, err := k.elfLoader.CreateContext(file, argv, envp)
	if err != nil {
		return err
	}

	auxv := buildAuxv(img, p.Creds(), 0, 0)
	var random [16]byte
	buf, sp, err := stackLayout(k.arch, img.AddrSpace.StackTop(), argv, envp, auxv, random)
	if err != nil {
		return err
	}
	if _, err := img.AddrSpace.PushStack(buf); err != nil {
		return err
	}

	p.mu.Lock()
	oldAS := p.addrSpace
	p.addrSpace = img.AddrSpace
	p.sigActions = p.sigActions.copyForExec()
	p.execed = true
	p.name = path
	p.mu.Unlock()

	if oldAS != nil && oldAS != img.AddrSpace {
		oldAS.DecRef()
	}

	p.fdTable.RemoveCloexec()

	tf := k.arch.NewTrapframe()
	k.arch.InitTrapframeUser(tf, img.Entry, sp)
	t.userTF = tf

	return nil
}

// Creds returns a copy of p's credentials.
func (p *Process) Creds() Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds
}
