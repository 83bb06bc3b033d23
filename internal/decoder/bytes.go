package decoder

import "io"

// ReadBytes reads exactly n bytes from r.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	result := make([]byte, 0, n)
	buff := make([]byte, n)
	for len(result) < n {
		read, err := r.Read(buff[:n-len(result)])
		result = append(result, buff[:read]...)
		if err != nil {
			if len(result) == n {
				break
			}
			return nil, err
		}
	}

	return result, nil
}
