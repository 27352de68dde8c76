package client

import "time"

// DeliveryOptions configure a single send, publish or request. The client
// holds a default set; per-call options are merged on top of it.
type DeliveryOptions struct {
	// SendTimeout bounds how long Request waits for a reply.
	SendTimeout time.Duration
	Headers     map[string]string
}

// DeliveryOption adjusts the DeliveryOptions of one call.
type DeliveryOption func(*DeliveryOptions)

// Timeout sets the reply timeout for this call.
func Timeout(d time.Duration) DeliveryOption {
	return func(o *DeliveryOptions) {
		o.SendTimeout = d
	}
}

// Header adds one header to this call.
func Header(key, value string) DeliveryOption {
	return func(o *DeliveryOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// Headers adds every entry of h to this call. Later options win on key
// collisions.
func Headers(h map[string]string) DeliveryOption {
	return func(o *DeliveryOptions) {
		if len(h) == 0 {
			return
		}
		if o.Headers == nil {
			o.Headers = make(map[string]string, len(h))
		}
		for k, v := range h {
			o.Headers[k] = v
		}
	}
}

// merge returns a fresh copy of base with opts applied; base is not modified.
func (base DeliveryOptions) merge(opts []DeliveryOption) (DeliveryOptions, error) {
	out := DeliveryOptions{SendTimeout: base.SendTimeout, Headers: copyHeaders(base.Headers)}
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	if out.SendTimeout <= 0 {
		return out, ErrInvalidTimeout
	}
	return out, nil
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
