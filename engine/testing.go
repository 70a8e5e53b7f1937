package engine

// EchoWasm returns a minimal engine binary for tests.
//
// handle_message answers every request with a batch holding a single copy of
// the request. poll returns an empty batch unless messages were handled since
// the previous poll, in which case it returns one 4-byte little-endian entry
// carrying that count. Memory is two pages with a bump allocator that wraps at
// 64KiB, so payloads should stay well under 32KiB.
func EchoWasm() []byte {
	return echoWasm(true)
}

func echoWasm(withPoll bool) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// Types: (i32)->i32, (i32,i32)->i64, ()->i64.
	out = appendSection(out, 1, []byte{
		0x03,
		0x60, 0x01, 0x7f, 0x01, 0x7f,
		0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
		0x60, 0x00, 0x01, 0x7e,
	})
	out = appendSection(out, 3, []byte{0x03, 0x00, 0x01, 0x02})
	out = appendSection(out, 5, []byte{0x01, 0x00, 0x02})
	// heap pointer starts at 1024, pending counter at 0.
	out = appendSection(out, 6, []byte{
		0x02,
		0x7f, 0x01, 0x41, 0x80, 0x08, 0x0b,
		0x7f, 0x01, 0x41, 0x00, 0x0b,
	})

	exports := [][]byte{
		exportEntry("memory", 0x02, 0),
		exportEntry("alloc", 0x00, 0),
		exportEntry("handle_message", 0x00, 1),
	}
	if withPoll {
		exports = append(exports, exportEntry("poll", 0x00, 2))
	}
	exportSec := []byte{byte(len(exports))}
	for _, e := range exports {
		exportSec = append(exportSec, e...)
	}
	out = appendSection(out, 7, exportSec)

	alloc := []byte{
		0x01, 0x01, 0x7f,
		0x23, 0x00, 0x20, 0x00, 0x6a, 0x41, 0x80, 0x80, 0x04, 0x4b,
		0x04, 0x40, 0x41, 0x80, 0x08, 0x24, 0x00, 0x0b,
		0x23, 0x00, 0x21, 0x01,
		0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00,
		0x20, 0x01, 0x0b,
	}
	handle := []byte{
		0x01, 0x01, 0x7f,
		0x20, 0x01, 0x41, 0x04, 0x6a, 0x10, 0x00, 0x21, 0x02,
		0x20, 0x02, 0x20, 0x01, 0x36, 0x02, 0x00,
		0x20, 0x02, 0x41, 0x04, 0x6a, 0x20, 0x00, 0x20, 0x01, 0xfc, 0x0a, 0x00, 0x00,
		0x23, 0x01, 0x41, 0x01, 0x6a, 0x24, 0x01,
		0x20, 0x02, 0xad, 0x42, 0x20, 0x86,
		0x20, 0x01, 0x41, 0x04, 0x6a, 0xad, 0x84, 0x0b,
	}
	poll := []byte{
		0x01, 0x01, 0x7f,
		0x23, 0x01, 0x45, 0x04, 0x40, 0x42, 0x00, 0x0f, 0x0b,
		0x41, 0x08, 0x10, 0x00, 0x21, 0x00,
		0x20, 0x00, 0x41, 0x04, 0x36, 0x02, 0x00,
		0x20, 0x00, 0x23, 0x01, 0x36, 0x02, 0x04,
		0x41, 0x00, 0x24, 0x01,
		0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x42, 0x08, 0x84, 0x0b,
	}
	code := []byte{0x03}
	for _, body := range [][]byte{alloc, handle, poll} {
		code = appendULEB(code, uint32(len(body)))
		code = append(code, body...)
	}
	return appendSection(out, 10, code)
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = appendULEB(out, uint32(len(content)))
	return append(out, content...)
}

func exportEntry(name string, kind byte, index byte) []byte {
	e := appendULEB(nil, uint32(len(name)))
	e = append(e, name...)
	return append(e, kind, index)
}

func appendULEB(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
