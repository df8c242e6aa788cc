package pipeline

import (
	"io"
	"net/http"

	"github.com/corvane/keyrelay/pkg/forwarder"
	"github.com/corvane/keyrelay/pkg/translate"
)

// writeNonStream decodes a provider's buffered JSON response and
// re-encodes it in the client's native family, returning the metered
// usage for the accounting step.
func (h *Handler) writeNonStream(w http.ResponseWriter, clientFamily, providerFamily string, resp *forwarder.Response) (translate.NormalizedUsage, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return translate.NormalizedUsage{}, err
	}

	providerCodec, err := h.d.Translate.Codec(providerFamily)
	if err != nil {
		return translate.NormalizedUsage{}, err
	}
	norm, err := providerCodec.DecodeResponse(raw)
	if err != nil {
		return translate.NormalizedUsage{}, err
	}

	clientCodec, err := h.d.Translate.Codec(clientFamily)
	if err != nil {
		return translate.NormalizedUsage{}, err
	}
	out, err := clientCodec.EncodeResponse(norm)
	if err != nil {
		return translate.NormalizedUsage{}, err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(out)
	return norm.Usage, nil
}

// writeStream pumps a provider's SSE body through the family-pair
// decoder/encoder one frame at a time, flushing after every translated
// event so the client sees tokens as they arrive. The last usage event
// seen (providers emit it once, near the end) is returned for accounting.
func (h *Handler) writeStream(w http.ResponseWriter, clientFamily, providerFamily string, resp *forwarder.Response) (translate.NormalizedUsage, error) {
	defer resp.Body.Close()

	dec, err := translate.DecoderFor(providerFamily)
	if err != nil {
		return translate.NormalizedUsage{}, err
	}
	enc, err := translate.EncoderFor(clientFamily)
	if err != nil {
		return translate.NormalizedUsage{}, err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	var usage translate.NormalizedUsage
	reader := translate.NewFrameReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return usage, err
		}
		events, err := dec.Decode(frame)
		if err != nil {
			return usage, err
		}
		for _, ev := range events {
			if ev.Usage != nil {
				usage = *ev.Usage
			}
			out, encErr := enc.Encode(ev)
			if encErr != nil {
				continue
			}
			w.Write(out)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
	w.Write(enc.Terminator())
	if flusher != nil {
		flusher.Flush()
	}
	return usage, nil
}
