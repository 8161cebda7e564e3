package pageio

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Space is a single tablespace file: a flat array of UNIV_PAGE_SIZE
// pages. Extent/FSM bookkeeping is explicitly out of scope (spec.md
// §1) — Space only hands out the next never-used page number, which
// is all the heap/undo/txn layers need from an allocator.
type Space struct {
	mu       sync.Mutex
	id       uint32
	file     *os.File
	nextPage uint32
}

// OpenSpace opens or creates the backing file for space id at path.
func OpenSpace(id uint32, path string) (*Space, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open space %d at %s", id, path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat space %d", id)
	}
	return &Space{
		id:       id,
		file:     f,
		nextPage: uint32(info.Size() / PageSize),
	}, nil
}

func (s *Space) ID() uint32 { return s.id }

// AllocPage returns a fresh page number that has never been written,
// standing in for the FSP/FSM extent allocator spec.md places out of
// scope (§1: "table-space file allocation ... assumed as a page
// allocator returning page IDs").
func (s *Space) AllocPage() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextPage
	s.nextPage++
	return n
}

func (s *Space) PageCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPage
}

// ReadPage reads one page verbatim.
func (s *Space) ReadPage(pageNo uint32) (*Page, error) {
	buf := make([]byte, PageSize)
	_, err := s.file.ReadAt(buf, int64(pageNo)*PageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "read space %d page %d", s.id, pageNo)
	}
	return &Page{Raw: buf}, nil
}

// WritePage writes one page verbatim; the caller is responsible for
// fsync timing (checkpoint batches that decision, mtr does not).
func (s *Space) WritePage(pageNo uint32, p *Page) error {
	_, err := s.file.WriteAt(p.Raw, int64(pageNo)*PageSize)
	if err != nil {
		return errors.Wrapf(err, "write space %d page %d", s.id, pageNo)
	}
	return nil
}

func (s *Space) Sync() error {
	return errors.Wrapf(s.file.Sync(), "fsync space %d", s.id)
}

func (s *Space) Close() error {
	return s.file.Close()
}

// SpaceManager resolves a space id to its open Space, the minimal
// collaborator the buffer pool and checkpoint module need (spec.md
// §1: table-space allocation is an external collaborator referenced
// only by interface).
type SpaceManager struct {
	mu     sync.RWMutex
	dir    string
	spaces map[uint32]*Space
}

func NewSpaceManager(dir string) *SpaceManager {
	return &SpaceManager{dir: dir, spaces: make(map[uint32]*Space)}
}

func (sm *SpaceManager) GetOrCreate(id uint32, filename string) (*Space, error) {
	sm.mu.RLock()
	if sp, ok := sm.spaces[id]; ok {
		sm.mu.RUnlock()
		return sp, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sp, ok := sm.spaces[id]; ok {
		return sp, nil
	}
	sp, err := OpenSpace(id, sm.dir+string(os.PathSeparator)+filename)
	if err != nil {
		return nil, err
	}
	sm.spaces[id] = sp
	return sp, nil
}

func (sm *SpaceManager) Get(id uint32) (*Space, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sp, ok := sm.spaces[id]
	return sp, ok
}

func (sm *SpaceManager) All() []*Space {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*Space, 0, len(sm.spaces))
	for _, sp := range sm.spaces {
		out = append(out, sp)
	}
	return out
}

func (sm *SpaceManager) CloseAll() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var firstErr error
	for _, sp := range sm.spaces {
		if err := sp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
