package lib

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is a fixed-capacity segment buffer kept in the core's ring pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload allocates a pool element. It expects one parameter: the
// buffer length (the MSS).
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Error("NewPayload: invalid number of parameters, expected buffer length")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		log.Errorf("NewPayload: invalid buffer length %v", params[0])
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// set the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", p.payloadBytes[:p.length])
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return errors.Errorf("Payload Copy: source byte slice(%d) is longer than buffer length(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return errors.New("Payload Copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// payloadPool hands out pooled segment buffers. A nil pool, or an exhausted
// one, falls back to heap copies.
type payloadPool struct {
	pool *rp.RingPool
}

func newPayloadPool(name string, size, mss int, debug bool) *payloadPool {
	if size <= 0 {
		return &payloadPool{}
	}
	rp.Debug = debug
	pool := rp.NewRingPool(name, size, NewPayload, mss)
	pool.Debug = debug
	return &payloadPool{pool: pool}
}

// hold copies src into a pooled chunk. The returned slice is valid until
// release is called with the returned element.
func (pp *payloadPool) hold(src []byte) ([]byte, *rp.Element) {
	if pp == nil || pp.pool == nil {
		return append([]byte(nil), src...), nil
	}
	chunk := pp.pool.GetElement()
	if chunk == nil {
		return append([]byte(nil), src...), nil
	}
	payload := chunk.Data.(*Payload)
	if err := payload.Copy(src); err != nil {
		pp.pool.ReturnElement(chunk)
		log.WithError(err).Debug("payload pool: falling back to heap copy")
		return append([]byte(nil), src...), nil
	}
	return payload.GetSlice(), chunk
}

func (pp *payloadPool) release(chunk *rp.Element) {
	if chunk == nil || pp == nil || pp.pool == nil {
		return
	}
	pp.pool.ReturnElement(chunk)
}
