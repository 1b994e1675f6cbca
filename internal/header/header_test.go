package header

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_ImageHeader_Encode_Decode_Roundtrips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		h    ImageHeader
	}{
		{
			name: "no transforms",
			h: ImageHeader{
				Pages:         16,
				Flags:         FlagChecksum,
				MapStart:      4096,
				ImageDataSize: 16 * 4096,
				WriteoutTime:  3,
			},
		},
		{
			name: "compressed and encrypted with RSA",
			h: ImageHeader{
				Pages:         1024,
				Flags:         FlagChecksum | FlagCompressed | FlagEncrypted | FlagUseRSA,
				MapStart:      8192,
				ImageDataSize: 12345,
				EncryptedKey:  bytes.Repeat([]byte{0xAB}, 256),
				ResumePause:   7,
			},
		},
		{
			name: "platform suspend, no checksum",
			h: ImageHeader{
				Pages: 0,
				Flags: FlagPlatformSuspend,
			},
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tt.h.Checksum = [16]byte{1, 2, 3}
			tt.h.Salt = [16]byte{9, 8, 7}

			buf, err := tt.h.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			if len(buf) != PageSize {
				t.Fatalf("Encode produced %d bytes, want %d", len(buf), PageSize)
			}

			got, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if got.Pages != tt.h.Pages || got.Flags != tt.h.Flags || got.MapStart != tt.h.MapStart ||
				got.ImageDataSize != tt.h.ImageDataSize || got.ResumePause != tt.h.ResumePause {
				t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, tt.h)
			}

			if got.Checksum != tt.h.Checksum || got.Salt != tt.h.Salt {
				t.Fatalf("checksum/salt mismatch: got %+v, want %+v", got, tt.h)
			}

			if !bytes.Equal(got.EncryptedKey, tt.h.EncryptedKey) {
				t.Fatalf("encrypted key mismatch: got %x, want %x", got.EncryptedKey, tt.h.EncryptedKey)
			}
		})
	}
}

func Test_Decode_Rejects_Bad_Magic(t *testing.T) {
	t.Parallel()

	buf := make([]byte, PageSize)

	_, err := Decode(buf)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func Test_Decode_Rejects_Flipped_Bit_As_Corrupt(t *testing.T) {
	t.Parallel()

	h := ImageHeader{Pages: 42, Flags: FlagChecksum}

	buf, err := h.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	buf[offPages] ^= 0xFF // flip a byte inside the CRC-covered range

	_, err = Decode(buf)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func Test_Encode_Rejects_Oversized_Encrypted_Key(t *testing.T) {
	t.Parallel()

	h := ImageHeader{EncryptedKey: make([]byte, maxEncryptedKeySize+1)}

	_, err := h.Encode()
	if !errors.Is(err, ErrKeyTooLarge) {
		t.Fatalf("err = %v, want ErrKeyTooLarge", err)
	}
}

func Test_ExtentPage_Encode_Decode_Roundtrips(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	page := ExtentPage{
		Extents: []Extent{
			{Start: 4096, End: 4096 * 5},
			{Start: 4096 * 10, End: 4096 * 11},
		},
		Link: 4096 * 100,
	}

	buf, err := EncodeExtentPage(page, pageSize)
	if err != nil {
		t.Fatalf("EncodeExtentPage: %v", err)
	}

	if len(buf) != pageSize {
		t.Fatalf("EncodeExtentPage produced %d bytes, want %d", len(buf), pageSize)
	}

	got, err := DecodeExtentPage(buf, pageSize)
	if err != nil {
		t.Fatalf("DecodeExtentPage: %v", err)
	}

	if diff := cmp.Diff(page.Extents, got.Extents); diff != "" {
		t.Errorf("extent list mismatch (-want +got):\n%s", diff)
	}

	if got.Link != page.Link {
		t.Fatalf("link = %d, want %d", got.Link, page.Link)
	}
}

func Test_ExtentPage_Terminator_Has_Zero_Link(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	page := ExtentPage{Extents: []Extent{{Start: 4096, End: 8192}}}

	buf, err := EncodeExtentPage(page, pageSize)
	if err != nil {
		t.Fatalf("EncodeExtentPage: %v", err)
	}

	got, err := DecodeExtentPage(buf, pageSize)
	if err != nil {
		t.Fatalf("DecodeExtentPage: %v", err)
	}

	if got.Link != 0 {
		t.Fatalf("link = %d, want 0 (terminator)", got.Link)
	}
}

func Test_EncodeExtentPage_Rejects_Over_Capacity(t *testing.T) {
	t.Parallel()

	const pageSize = 64 // capacity = 64/16 - 1 = 3

	page := ExtentPage{Extents: make([]Extent, ExtentsPerPage(pageSize)+1)}

	_, err := EncodeExtentPage(page, pageSize)
	if err == nil {
		t.Fatal("expected error for over-capacity extent page")
	}
}
