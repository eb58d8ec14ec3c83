package chanx

// Duplex is a request/response channel pair used for cooperative
// shutdown: the caller sends a request and blocks until the serving
// side acknowledges. The pair is reusable across sessions.
type Duplex struct {
	Request  *Channel[struct{}]
	Response *Channel[struct{}]
}

// NewDuplex creates a duplex pair with a single request slot and a
// single response slot.
func NewDuplex() *Duplex {
	return &Duplex{
		Request:  NewChannel[struct{}](1),
		Response: NewChannel[struct{}](1),
	}
}

// Signal sends a request and waits for the acknowledgment.
func (d *Duplex) Signal() error {
	if err := d.Request.Send(struct{}{}); err != nil {
		return err
	}
	_, err := d.Response.Recv()
	return err
}
