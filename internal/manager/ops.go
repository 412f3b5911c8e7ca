package manager

import (
	"context"
	"strconv"
)

func (m *Manager) nextOpID() string { return "op-" + strconv.FormatUint(m.opSeq.Add(1), 10) }

// StartDownload downloads and loads id in the background and returns an
// operation id. Progress is observable through Status. The work is bound to
// the manager's lifetime, not to ctx.
func (m *Manager) StartDownload(ctx context.Context, id string) (string, error) {
	if _, ok := m.catalog.Get(id); !ok {
		return "", notFound(id)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	op := m.nextOpID()
	go func() {
		log := m.log.With().Str("model", id).Str("op_id", op).Logger()
		if _, err := m.GetOrLoad(m.base, id); err != nil {
			log.Warn().Err(err).Msg("background load failed")
			return
		}
		log.Info().Msg("background load complete")
	}()
	return op, nil
}
