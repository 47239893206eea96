// Copyright (c) 2026 Apflow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"testing"

	"github.com/apflow/invoiceagent/internal/fault"
)

func TestDecodeUnknownSchemaVersion(t *testing.T) {
	data := []byte(`{"schema_version":"9.9","tx_id":"abc"}`)

	var raw RawMail
	err := Decode(data, &raw)
	if err == nil {
		t.Fatal("expected error for unknown schema version")
	}
	if fault.KindOf(err) != fault.Validation {
		t.Errorf("kind = %v, want Validation", fault.KindOf(err))
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	var raw RawMail
	err := Decode([]byte("not json"), &raw)
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if fault.KindOf(err) != fault.Validation {
		t.Errorf("kind = %v, want Validation", fault.KindOf(err))
	}
}

func TestEncodeDecodeEnriched(t *testing.T) {
	in := Enriched{
		RawMail: RawMail{
			SchemaVersion:     SchemaVersion,
			TxID:              "01JABCDEF0123456789ABCDEFG",
			Sender:            "billing@adobe.com",
			Subject:           "Invoice 12345",
			BlobRef:           "raw/01JABCDEF0123456789ABCDEFG.pdf",
			OriginalMessageID: "M1",
		},
		Status:     StatusEnriched,
		VendorName: "Adobe Inc",
		GLCode:     "6100",
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out Enriched
	if err := Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.VendorName != "Adobe Inc" || out.GLCode != "6100" || out.Status != StatusEnriched {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if out.TxID != in.TxID {
		t.Errorf("TxID = %q, want %q", out.TxID, in.TxID)
	}
}
