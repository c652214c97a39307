package sfl

import "testing"

func TestCRC16KnownVectors(t *testing.T) {
	testCases := []struct {
		descr string
		data  []byte
		want  uint16
	}{
		{
			descr: "empty input",
			data:  []byte{},
			want:  0x0000,
		},
		{
			descr: "single zero byte (abort command)",
			data:  []byte{0x00},
			want:  0x0000,
		},
		{
			descr: "single byte",
			data:  []byte{'A'},
			want:  0x58E5,
		},
		{
			descr: "XModem check string",
			data:  []byte("123456789"),
			want:  0x31C3,
		},
		{
			descr: "ASCII text",
			data:  []byte("Hello, world!"),
			want:  0x7ADE,
		},
		{
			descr: "captured load frame body",
			data:  []byte{0x01, 0x40, 0x00, 0x00, 0x00, 0xDE, 0xAD, 0xBE, 0xEF},
			want:  0xD9A4,
		},
		{
			descr: "captured jump frame body",
			data:  []byte{0x02, 0x40, 0x00, 0x00, 0x00},
			want:  0x2A1F,
		},
	}

	for _, tc := range testCases {
		if got := CRC16(tc.data); got != tc.want {
			t.Errorf("Test %q: CRC16() = 0x%04X, want 0x%04X", tc.descr, got, tc.want)
		}
	}
}

func TestCRC16Deterministic(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}
	first := CRC16(data)
	for i := 0; i < 10; i++ {
		if got := CRC16(data); got != first {
			t.Fatalf("CRC16 not deterministic: run %d got 0x%04X, want 0x%04X", i, got, first)
		}
	}
}
