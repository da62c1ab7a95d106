package disguise

// Watermark is the fixed first-request body SoftEther clients send to
// open the disguise phase: a GIF89a-prefixed blob.
//
// spec §9 Open Question: the exact bytes are only knowable from a
// reference capture and must not be reconstructed from first
// principles — interop testing against a real server is required
// before trusting this value in production. The placeholder below is
// shaped like the real thing (GIF89a header, plausible logical-screen
// descriptor, a single terminator) but is NOT captured from a live
// SoftEther server; replace it with a verbatim capture before relying
// on it for interop.
var Watermark = []byte{
	'G', 'I', 'F', '8', '9', 'a',
	0x01, 0x00, 0x01, 0x00, // 1x1 logical screen
	0x80, 0x00, 0x00, // global color table present, bg color, aspect ratio
	0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, // 2-entry color table
	0x21, 0xF9, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, // graphic control extension
	0x2C, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, // image descriptor
	0x02, 0x02, 0x44, 0x01, 0x00, // minimal LZW image data
	0x3B, // trailer
}
