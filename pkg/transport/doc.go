// Package transport provides the wire-level building blocks the secure
// session engines share: length-prefixed message framing and TLS
// config construction for the TCP/TLS path.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      Envelope / payload        │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│         TLS 1.2                │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// The DTLS-over-UDP path uses neither this package's length-prefix
// framing (each application message travels as one DTLS record) nor
// its TLS config helpers; see internal/tlssess for both adapters.
package transport
