package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

func Encode(n Notification) ([]byte, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", n.Kind(), err)
	}
	return body, nil
}

// Decode dispatches on the variant tag. Anything that fails to decode,
// including an unknown kind, is malformed.
func Decode(kind Kind, body []byte) (Notification, error) {
	switch kind {
	case KindCheckout:
		var c Checkout
		if err := json.Unmarshal(body, &c); err != nil {
			if errors.Is(err, ErrMalformed) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind)
	}
}
