package api

import (
	"encoding/base64"

	"github.com/partyvault/coordinator/internal/dataset"
)

type registerPartyRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type uploadRequest struct {
	Name        string `json:"name"`
	Ciphertext  string `json:"ciphertext"` // base64
	Schema      string `json:"schema"`
	RecordCount uint32 `json:"record_count"`
}

type createRequestRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DatasetIDs  []string `json:"dataset_ids,omitempty"`
}

type voteRequest struct {
	Decision string `json:"decision"` // "yes" | "no"
}

type saveResultsRequest struct {
	ResultPayload string `json:"result_payload"`
}

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeB64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func withoutPayload(datasets []*dataset.Dataset) []datasetMetadata {
	out := make([]datasetMetadata, 0, len(datasets))
	for _, d := range datasets {
		out = append(out, datasetMetadata{
			ID:             d.ID,
			Owner:          d.Owner,
			OwnerName:      d.OwnerName,
			Schema:         d.Schema,
			RecordCount:    d.RecordCount,
			EnvelopeHandle: d.EnvelopeHandle,
			CreatedAt:      d.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			AccessList:     d.AccessList,
		})
	}
	return out
}
