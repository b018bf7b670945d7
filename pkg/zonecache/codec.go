package zonecache

import (
	"time"

	"github.com/cachemir/zonecache/pkg/key"
	"github.com/cachemir/zonecache/pkg/pool"
	"github.com/cachemir/zonecache/pkg/transcoder"
)

// encodeForWrite produces the wire item for one replica write. When nk
// carries a hashed key, the encoded payload is wrapped in an envelope
// (§3.2) and re-encoded with the envelope transcoder so a subsequent read
// can detect hash collisions.
func (c *Client) encodeForWrite(nk key.NormalisedKey, value any, ttl time.Duration) (pool.Item, error) {
	payload, err := c.tc.Encode(value)
	if err != nil {
		return pool.Item{}, err
	}
	if !nk.HasHashedKey() {
		return pool.Item{Flags: payload.Flags, Bytes: payload.Bytes}, nil
	}
	env := transcoder.Envelope{
		CanonicalKey: nk.CanonicalKey,
		Flags:        payload.Flags,
		PayloadBytes: payload.Bytes,
		TTL:          ttl,
		WriteTime:    now(),
	}
	wrapped, err := c.envelopeTC.Encode(env)
	if err != nil {
		return pool.Item{}, err
	}
	return pool.Item{Flags: wrapped.Flags, Bytes: wrapped.Bytes}, nil
}

// decodeForRead inverts encodeForWrite. When nk carries a hashed key, the
// envelope's canonical key is checked against nk.CanonicalKey; a mismatch is
// reported as collision, not error, matching §3.2: "the read returns miss and
// increments a collision counter".
func (c *Client) decodeForRead(nk key.NormalisedKey, item pool.Item) (value any, collided bool, err error) {
	if !nk.HasHashedKey() {
		v, err := c.tc.Decode(transcoder.Payload{Flags: item.Flags, Bytes: item.Bytes})
		return v, false, err
	}

	decoded, err := c.envelopeTC.Decode(transcoder.Payload{Flags: item.Flags, Bytes: item.Bytes})
	if err != nil {
		return nil, false, err
	}
	env, ok := decoded.(transcoder.Envelope)
	if !ok {
		return nil, false, nil
	}
	if env.CanonicalKey != nk.CanonicalKey {
		return nil, true, nil
	}
	v, err := c.tc.Decode(transcoder.Payload{Flags: env.Flags, Bytes: env.PayloadBytes})
	return v, false, err
}
