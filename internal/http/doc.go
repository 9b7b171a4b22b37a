// Package http provides the HTTP transport for fetching ticket data.
//
// This package handles:
//   - HEAD requests to learn a resource's length
//   - Whole-resource GETs with bounded retry
//   - Range-addressable streams that issue one request per read
//   - Credentials taken from ticket headers or configuration
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	// Read a byte range
//	s, err := client.OpenSeekable(ctx, url, http.Bearer(token))
//	s.Seek(start, io.SeekStart)
//	n, err := s.Read(buf)
//
//	// Fetch a whole resource
//	resp, err := client.Get(ctx, url, header)
//	defer resp.Body.Close()
package http
