package lookup

import (
	"context"
	"testing"

	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rows := []struct {
		key  string
		lang language.Tag
		text string
	}{
		{"CH", language.Und, "Switzerland"},
		{"CH", language.German, "Schweiz"},
		{"CH", language.French, "Suisse"},
		{"DE", language.Und, "Germany"},
		{"DE", language.German, "Deutschland"},
		{"AT", language.Und, "Austria"},
		{"AT", language.MustParse("de-AT"), "Österreich"},
	}
	for _, r := range rows {
		require.NoError(t, s.Put(ctx, "country", r.key, r.lang, r.text))
	}
	return s
}

func withLocale(tag language.Tag) context.Context {
	return runctx.Into(context.Background(), runctx.New().WithLocale(tag))
}

func TestByKeyLocale(t *testing.T) {
	s := newTestService(t)

	tests := []struct {
		name string
		ctx  context.Context
		key  string
		want string
	}{
		{"no run context", context.Background(), "CH", "Switzerland"},
		{"exact locale", withLocale(language.French), "CH", "Suisse"},
		{"base language fallback", withLocale(language.MustParse("de-CH")), "CH", "Schweiz"},
		{"neutral fallback", withLocale(language.Italian), "DE", "Germany"},
		{"regional label", withLocale(language.MustParse("de-AT")), "AT", "Österreich"},
		{"regional label not used for base", withLocale(language.German), "AT", "Austria"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := s.ByKey(tt.ctx, "country", tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.key, row.Key)
			assert.Equal(t, tt.want, row.Text)
		})
	}
}

func TestByKeyNotFound(t *testing.T) {
	s := newTestService(t)

	_, err := s.ByKey(context.Background(), "country", "XX")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.ByKey(context.Background(), "currency", "CH")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestByText(t *testing.T) {
	s := newTestService(t)
	ctx := withLocale(language.German)

	rows, err := s.ByText(ctx, "country", "*sch*", 0)
	require.NoError(t, err)
	assert.Equal(t, []Row{{Key: "DE", Text: "Deutschland"}, {Key: "CH", Text: "Schweiz"}}, rows)

	// only the label of the caller's locale is matched
	rows, err = s.ByText(ctx, "country", "Switz*", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAll(t *testing.T) {
	s := newTestService(t)

	rows, err := s.All(withLocale(language.French), "country", 0)
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{Key: "AT", Text: "Austria"},
		{Key: "DE", Text: "Germany"},
		{Key: "CH", Text: "Suisse"},
	}, rows)

	rows, err = s.All(context.Background(), "country", 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPutReplaces(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "country", "CH", language.Und, "Swiss Confederation"))
	row, err := s.ByKey(ctx, "country", "CH")
	require.NoError(t, err)
	assert.Equal(t, "Swiss Confederation", row.Text)
}
