// Package http1 implements the HTTP/1.1 wire subset the server speaks:
// framing raw connection bytes into request blocks, parsing a block into a
// Request, and encoding a Response with a fixed header set.
//
// Request bodies are never interpreted. Targets are used verbatim, without
// percent-decoding or query stripping.
package http1
