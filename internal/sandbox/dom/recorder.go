package dom

import "golang.org/x/net/html"

// Recorder buffers inserted elements so observers see them after the
// current task completes, the way mutation records are delivered.
type Recorder struct {
	pending []*html.Node
}

// Record queues n and every element below it.
func (r *Recorder) Record(n *html.Node) {
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode {
			r.pending = append(r.pending, c)
		}
		return true
	})
}

// Take returns and clears the queued elements.
func (r *Recorder) Take() []*html.Node {
	out := r.pending
	r.pending = nil
	return out
}
