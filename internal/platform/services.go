package platform

import (
	"context"
	"errors"

	"github.com/ChuLiYu/sessionjobs/internal/lookup"
	"github.com/ChuLiYu/sessionjobs/internal/tunnel"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// registerLookup exposes the lookup service through the tunnel:
//
//	lookup.byKey  {table, key}
//	lookup.byText {table, text, max}
//	lookup.all    {table, max}
func registerLookup(services *tunnel.Services, svc *lookup.Service) {
	services.Register("lookup", "byKey", func(ctx context.Context, call tunnel.Call) (any, error) {
		table, err := call.String("table")
		if err != nil {
			return nil, err
		}
		key, err := call.String("key")
		if err != nil {
			return nil, err
		}
		row, err := svc.ByKey(ctx, table, key)
		if errors.Is(err, lookup.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		if err != nil {
			return nil, err
		}
		return rowValue(row), nil
	})

	services.Register("lookup", "byText", func(ctx context.Context, call tunnel.Call) (any, error) {
		table, err := call.String("table")
		if err != nil {
			return nil, err
		}
		text, err := call.String("text")
		if err != nil {
			return nil, err
		}
		limit, err := call.Int("max", 100)
		if err != nil {
			return nil, err
		}
		rows, err := svc.ByText(ctx, table, text, limit)
		if err != nil {
			return nil, err
		}
		return rowsValue(rows), nil
	})

	services.Register("lookup", "all", func(ctx context.Context, call tunnel.Call) (any, error) {
		table, err := call.String("table")
		if err != nil {
			return nil, err
		}
		limit, err := call.Int("max", 100)
		if err != nil {
			return nil, err
		}
		rows, err := svc.All(ctx, table, limit)
		if err != nil {
			return nil, err
		}
		return rowsValue(rows), nil
	})
}

func rowValue(r lookup.Row) map[string]any {
	return map[string]any{"key": r.Key, "text": r.Text}
}

func rowsValue(rows []lookup.Row) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowValue(r))
	}
	return out
}
