// Package history keeps bounded, in-memory conversation logs: one global log of
// broadcast lines and one log per user for private lines and issued commands.
//
// A Store is not safe for concurrent use on its own. The relay guards it with
// the same mutex as its name directory so both change as one unit.
package history

// DefaultCapacity is the number of lines each log keeps
const DefaultCapacity = 100

// Log is a bounded FIFO of pre-formatted lines. Appending past capacity drops
// the oldest line.
type Log struct {
	lines    []string
	start    int // index of the oldest line in lines
	size     int
	capacity int
}

// NewLog creates a log holding at most capacity lines
func NewLog(capacity int) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Append adds a line, evicting from the front while over capacity
func (l *Log) Append(line string) {
	if l.size < l.capacity {
		l.lines[(l.start+l.size)%l.capacity] = line
		l.size++
		return
	}
	l.lines[l.start] = line
	l.start = (l.start + 1) % l.capacity
}

// Lines returns a copy of the log, oldest first
func (l *Log) Lines() []string {
	out := make([]string, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.lines[(l.start+i)%l.capacity]
	}
	return out
}

// Len returns the number of lines held
func (l *Log) Len() int {
	return l.size
}

// Capacity returns the maximum number of lines held
func (l *Log) Capacity() int {
	return l.capacity
}

// Store holds the global log and the per-user private logs
type Store struct {
	capacity int
	global   *Log
	private  map[string]*Log
}

// NewStore creates a store whose logs each hold capacity lines
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		global:   NewLog(capacity),
		private:  make(map[string]*Log),
	}
}

// AppendGlobal records a broadcast line
func (s *Store) AppendGlobal(line string) {
	s.global.Append(line)
}

// AppendPrivate records a line in name's private log, creating it on first use.
// Private logs are never removed, so they outlive the user's connection.
func (s *Store) AppendPrivate(name, line string) {
	log, ok := s.private[name]
	if !ok {
		log = NewLog(s.capacity)
		s.private[name] = log
	}
	log.Append(line)
}

// Global returns the broadcast lines, oldest first
func (s *Store) Global() []string {
	return s.global.Lines()
}

// Private returns name's private lines, oldest first. Unknown names yield an
// empty slice.
func (s *Store) Private(name string) []string {
	log, ok := s.private[name]
	if !ok {
		return []string{}
	}
	return log.Lines()
}

// Users returns how many private logs exist
func (s *Store) Users() int {
	return len(s.private)
}

// GlobalLen returns the number of broadcast lines held
func (s *Store) GlobalLen() int {
	return s.global.Len()
}

// Capacity returns the per-log capacity
func (s *Store) Capacity() int {
	return s.capacity
}
