package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tathienbao/allocator/internal/types"
)

func encodeStateMaps(s types.EngineState) (string, string, error) {
	lastAction := s.LastAction
	if lastAction == nil {
		lastAction = map[string]time.Time{}
	}
	eligible := s.Eligible
	if eligible == nil {
		eligible = map[string]bool{}
	}

	la, err := json.Marshal(lastAction)
	if err != nil {
		return "", "", fmt.Errorf("encode last_action: %w", err)
	}
	el, err := json.Marshal(eligible)
	if err != nil {
		return "", "", fmt.Errorf("encode eligible: %w", err)
	}
	return string(la), string(el), nil
}

func decodeStateMaps(s *types.EngineState, lastAction, eligible string) error {
	s.LastAction = make(map[string]time.Time)
	s.Eligible = make(map[string]bool)
	if lastAction != "" {
		if err := json.Unmarshal([]byte(lastAction), &s.LastAction); err != nil {
			return fmt.Errorf("decode last_action: %w", err)
		}
	}
	if eligible != "" {
		if err := json.Unmarshal([]byte(eligible), &s.Eligible); err != nil {
			return fmt.Errorf("decode eligible: %w", err)
		}
	}
	return nil
}
