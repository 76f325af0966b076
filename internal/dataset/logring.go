package dataset

// DefaultLogCapacity is the number of lines kept per dataset.
const DefaultLogCapacity = 100

// LogRing is a capped, append-only sequence of log lines.
// When full, the oldest line is evicted. It is not safe for concurrent use;
// Registry guards it.
type LogRing struct {
	buf   []string
	start int
	size  int
}

func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogRing{buf: make([]string, capacity)}
}

func (r *LogRing) Append(line string) {
	c := len(r.buf)
	if r.size < c {
		r.buf[(r.start+r.size)%c] = line
		r.size++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % c
}

func (r *LogRing) Len() int { return r.size }

// Lines returns the retained lines, oldest first.
func (r *LogRing) Lines() []string {
	out := make([]string, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
