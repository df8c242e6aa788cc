package translate

import "fmt"

// Codec is the full bidirectional translation contract for one wire family.
type Codec interface {
	Family() string
	DecodeRequest(body map[string]any) (NormalizedRequest, error)
	EncodeRequest(req NormalizedRequest) (map[string]any, error)
	DecodeResponse(body []byte) (NormalizedResponse, error)
	EncodeResponse(resp NormalizedResponse) ([]byte, error)
}

// Registry resolves a Codec by family name, the same shape as the ambient
// messaging providers' own name-keyed registry.
type Registry struct {
	codecs map[string]Codec
}

func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec, 4)}
	r.register(ClaudeCodec{})
	r.register(OpenAICodec{})
	r.register(GeminiCodec{})
	r.register(ResponsesCodec{})
	return r
}

func (r *Registry) register(c Codec) { r.codecs[c.Family()] = c }

func (r *Registry) Codec(family string) (Codec, error) {
	c, ok := r.codecs[family]
	if !ok {
		return nil, fmt.Errorf("no codec registered for family %q", family)
	}
	return c, nil
}

// Translate decodes a request in its source family and re-encodes it for a
// target provider family — the one hop the pipeline needs when client and
// provider families differ.
func (r *Registry) Translate(sourceFamily, targetFamily string, body map[string]any) (map[string]any, error) {
	src, err := r.Codec(sourceFamily)
	if err != nil {
		return nil, err
	}
	dst, err := r.Codec(targetFamily)
	if err != nil {
		return nil, err
	}
	norm, err := src.DecodeRequest(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s request: %w", sourceFamily, err)
	}
	out, err := dst.EncodeRequest(norm)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", targetFamily, err)
	}
	return out, nil
}

// TranslateResponse decodes a provider's response body and re-encodes it in
// the client's native family.
func (r *Registry) TranslateResponse(providerFamily, clientFamily string, body []byte) ([]byte, error) {
	src, err := r.Codec(providerFamily)
	if err != nil {
		return nil, err
	}
	dst, err := r.Codec(clientFamily)
	if err != nil {
		return nil, err
	}
	norm, err := src.DecodeResponse(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", providerFamily, err)
	}
	return dst.EncodeResponse(norm)
}
