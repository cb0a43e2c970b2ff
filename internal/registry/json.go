package registry

import (
	"encoding/json"
	"fmt"

	"github.com/tessella/tessella/internal/server/dto"
)

// JSONRenderer is the default renderer.
type JSONRenderer struct{}

// ContentType implements Renderer.
func (JSONRenderer) ContentType() string { return "application/json" }

// Render implements Renderer. A nil body renders as an empty payload,
// not "null".
func (JSONRenderer) Render(resp *dto.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	out, err := json.Marshal(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("render json: %w", err)
	}
	return out, nil
}
