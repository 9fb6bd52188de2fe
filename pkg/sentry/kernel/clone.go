package kernel

import (
	"container/list"

	"github.com/driftkernel/drift/pkg/kerrors"
)

// Clone flags named in spec.md §4.1's uproc_clone.
const (
	CloneVM = 1 << iota
	CloneFiles
	CloneVfork
)

// KProcCreate builds a kernel process with a fresh address space: spec.md
// §4.1 kproc_create. entry is the kernel-mode function the leader thread
// begins executing; argv/envp are pushed onto the stack per §6 even for a
// kernel process, matching the source's uniform stack-init path.
func (k *Kernel) KProcCreate(name string, entry uintptr, argv, envp []string, addrSpace AddressSpace) (*Thread, error) {
	pid := PID(k.pidIDs.alloc())

	p := &Process{
		pid:        pid,
		name:       name,
		children:   list.New(),
		threads:    list.New(),
		fdTable:    NewFDTable(),
		sigActions: newSigActionTable(),
		addrSpace:  addrSpace,
		rlimits:    defaultRlimits(),
		k:          k,
	}
	_, pg := k.newSessionAndGroup()
	p.pgroup = pg
	p.pgroupElem = pg.addProcess(p)

	t, err := k.newLeaderThread(p, PriKern)
	if err != nil {
		k.leaveGroup(pg, p.pgroupElem)
		return nil, err
	}

	stackTop := addrSpace.StackTop()
	auxv := []auxvPair{{atNull, atNull}}
	buf, sp, err := stackLayout(k.arch, stackTop, argv, envp, auxv, [16]byte{})
	if err != nil {
		k.leaveGroup(pg, p.pgroupElem)
		return nil, err
	}
	if _, err := addrSpace.PushStack(buf); err != nil {
		k.leaveGroup(pg, p.pgroupElem)
		return nil, err
	}

	tf := k.arch.NewTrapframe()
	k.arch.InitTrapframeKern(tf, entry, sp)
	t.userTF = tf

	k.publishProcess(p)
	k.publishThread(t)
	return t, nil
}

// UProcCreateELF builds a user process by delegating ELF loading to the
// Kernel's ELFLoader: spec.md §4.1 uproc_create_elf.
func (k *Kernel) UProcCreateELF(name string, file File, argv, envp []string, creds Credentials) (*Thread, error) {
	img, err := k.elfLoader.CreateContext(file, argv, envp)
	if err != nil {
		return nil, err
	}

	pid := PID(k.pidIDs.alloc())
	p := &Process{
		pid:        pid,
		name:       name,
		children:   list.New(),
		threads:    list.New(),
		fdTable:    NewFDTable(),
		sigActions: newSigActionTable(),
		creds:      creds,
		addrSpace:  img.AddrSpace,
		rlimits:    defaultRlimits(),
		k:          k,
	}
	_, pg := k.newSessionAndGroup()
	p.pgroup = pg
	p.pgroupElem = pg.addProcess(p)

	t, err := k.newLeaderThread(p, PriUser)
	if err != nil {
		k.leaveGroup(pg, p.pgroupElem)
		return nil, err
	}

	auxv := buildAuxv(img, creds, 0, 0)
	var random [16]byte // AT_RANDOM content; a real kernel sources this from a CSPRNG external to this module
	buf, sp, err := stackLayout(k.arch, img.AddrSpace.StackTop(), argv, envp, auxv, random)
	if err != nil {
		k.leaveGroup(pg, p.pgroupElem)
		return nil, err
	}
	if _, err := img.AddrSpace.PushStack(buf); err != nil {
		k.leaveGroup(pg, p.pgroupElem)
		return nil, err
	}

	tf := k.arch.NewTrapframe()
	k.arch.InitTrapframeUser(tf, img.Entry, sp)
	t.userTF = tf

	k.publishProcess(p)
	k.publishThread(t)
	return t, nil
}

// newLeaderThread allocates p's leader thread and links it as the sole
// member of p.threads; it does not itself publish to the Kernel
// registries (the caller does that once stack setup can no longer fail).
func (k *Kernel) newLeaderThread(p *Process, priority int) (*Thread, error) {
	tid := ThreadID(p.pid) // leader's tid equals the process's pid, per spec.md invariant
	t := &Thread{
		tid:      tid,
		k:        k,
		proc:     p,
		sigmask:  0,
		priority: priority,
		state:    ThreadPaused,
	}
	t.refcount.Init(1)
	p.threads.PushBack(t)
	return t, nil
}

// UProcClone duplicates the calling thread's process: spec.md §4.1
// uproc_clone. If CloneVM is set, the child shares the parent's address
// space (refcount bump); otherwise it is copy-duplicated. Files are
// always duplicated with a refcount bump on each open file. Signal
// dispositions are copied. The child is inserted into the parent's child
// list, the global process list, and its leader thread into the global
// thread list; failure at any step unwinds everything already done, in
// reverse order, under the same locks used to publish (spec.md §9,
// decided open question).
func (k *Kernel) UProcClone(parent *Thread, flags int) (*Thread, error) {
	pp := parent.proc

	pp.mu.Lock()
	var childAS AddressSpace
	var err error
	if flags&CloneVM != 0 {
		pp.addrSpace.IncRef()
		childAS = pp.addrSpace
	} else {
		childAS, err = pp.addrSpace.Fork()
	}
	creds := pp.creds.Fork()
	sigActions := pp.sigActions.fork()
	pp.mu.Unlock()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoMemory, "uproc_clone: address space fork", err)
	}

	childFDs := pp.fdTable.Fork()

	pid := PID(k.pidIDs.alloc())
	child := &Process{
		pid:        pid,
		name:       pp.Name(),
		parent:     pp,
		children:   list.New(),
		threads:    list.New(),
		creds:      creds,
		fdTable:    childFDs,
		sigActions: sigActions,
		addrSpace:  childAS,
		rlimits:    pp.rlimits,
		pgroup:     pp.pgroup,
		k:          k,
	}
	child.pgroupElem = pp.pgroup.addProcess(child)

	t, _ := k.newLeaderThread(child, PriUser)
	t.userTF = parent.userTF.Clone()

	if flags&CloneVfork != 0 {
		pp.mu.Lock()
		child.vforkRel = pp
		pp.vforkRel = child
		pp.mu.Unlock()
	}

	pp.mu.Lock()
	child.parentElem = pp.children.PushBack(child)
	pp.mu.Unlock()

	k.publishProcess(child)
	k.publishThread(t)
	return t, nil
}

// UThreadClone adds a thread to an existing process: spec.md §4.1
// uthread_clone. The new thread gets a fresh tid and implicitly shares
// the process's address space (there is exactly one AddressSpace per
// Process regardless of thread count).
func (k *Kernel) UThreadClone(source *Thread, flags int) (*Thread, error) {
	p := source.proc
	tid := ThreadID(k.pidIDs.alloc())

	t := &Thread{
		tid:      tid,
		k:        k,
		proc:     p,
		priority: source.priority,
		state:    ThreadPaused,
	}
	t.refcount.Init(1)
	t.userTF = source.userTF.Clone()

	p.mu.Lock()
	p.threads.PushBack(t)
	p.mu.Unlock()

	k.publishThread(t)
	return t, nil
}
