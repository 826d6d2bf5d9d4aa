package base

// Workspace carries the buffers of one collective operation. When RecvBuf
// aliases SendBuf the reduction is applied in place.
type Workspace struct {
	SendBuf *Vector
	RecvBuf *Vector
	OP      OP
	Name    string
}

func (w Workspace) IsEmpty() bool {
	return w.SendBuf == nil || w.SendBuf.Count == 0
}
