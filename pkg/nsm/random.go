package nsm

import "context"

// GetRandom requests random bytes from the device. The length is chosen by
// the device and successive calls are independent.
func (s *Session) GetRandom(ctx context.Context) ([]byte, error) {
	var random []byte
	err := s.do(ctx, func(ctx context.Context, dev Device) error {
		r, err := dev.GetRandom(ctx)
		if err != nil {
			return wrapDeviceErr("get_random", err)
		}
		if len(r) == 0 {
			return NewDeviceError("get_random", CodeInvalidResponse)
		}
		random = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return random, nil
}

// Read fills p with device entropy, so a Session can serve as the random
// source for crypto APIs. It issues as many GetRandom requests as needed.
func (s *Session) Read(p []byte) (int, error) {
	return s.ReadRandom(context.Background(), p)
}

// ReadRandom is Read with a context checked before every device request.
func (s *Session) ReadRandom(ctx context.Context, p []byte) (int, error) {
	n := 0
	for n < len(p) {
		r, err := s.GetRandom(ctx)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], r)
	}
	return n, nil
}
