package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"boardnet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockModel struct {
	mock.Mock
}

func (m *mockModel) GenerateText(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

type countingAssistantMetrics struct {
	outcomes []string
}

func (c *countingAssistantMetrics) AssistantCall(outcome string, _ time.Duration) {
	c.outcomes = append(c.outcomes, outcome)
}

func TestParseAssistantOutput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name:  "plain array",
			input: `[{"tool":"rectangle","props":{"id":"1","x":100,"y":120,"width":50,"height":40,"stroke":"red"}}]`,
			want:  1,
		},
		{
			name:  "fenced with language tag",
			input: "```json\n[{\"tool\":\"circle\",\"props\":{\"id\":\"1\",\"x\":300,\"y\":300,\"radius\":20,\"fill\":\"blue\"}},{\"tool\":\"circle\",\"props\":{\"id\":\"2\",\"x\":350,\"y\":300,\"radius\":20}}]\n```",
			want:  2,
		},
		{
			name:  "bare fence",
			input: "```\n[]\n```",
			want:  0,
		},
		{
			name:  "missing id gets a placeholder",
			input: `[{"tool":"pencil","props":{"x":0,"y":0,"points":[1,2,3,4]}}]`,
			want:  1,
		},
		{name: "prose around the array", input: `Here you go: [{"tool":"circle","props":{"id":"1"}}]`, wantErr: true},
		{name: "object instead of array", input: `{"tool":"circle","props":{"id":"1"}}`, wantErr: true},
		{name: "unknown field", input: `[{"tool":"circle","props":{"id":"1","rotation":45}}]`, wantErr: true},
		{name: "unknown tool", input: `[{"tool":"star","props":{"id":"1"}}]`, wantErr: true},
		{name: "odd points", input: `[{"tool":"pencil","props":{"id":"1","points":[1,2,3]}}]`, wantErr: true},
		{name: "trailing data", input: `[] []`, wantErr: true},
		{name: "unterminated fence", input: "```json\n[]", wantErr: true},
		{name: "truncated", input: `[{"tool":"circle","props":{"id":"1"}`, wantErr: true},
		{name: "wrong type", input: `[{"tool":"circle","props":{"id":1}}]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAssistantOutput(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrMalformedAssistantOutput)
				assert.Nil(t, got, "no partial output")
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
			for _, el := range got {
				assert.NotEmpty(t, el.ID())
			}
		})
	}
}

func TestAssistantService_Generate(t *testing.T) {
	model := &mockModel{}
	model.On("GenerateText", mock.Anything, mock.MatchedBy(func(p string) bool {
		return assert.Contains(t, p, `"two red squares"`)
	})).Return(`[{"tool":"rectangle","props":{"id":"1","x":100,"y":100,"width":40,"height":40,"stroke":"red"}},
{"tool":"rectangle","props":{"id":"2","x":200,"y":100,"width":40,"height":40,"stroke":"red"}}]`, nil).Once()

	metrics := &countingAssistantMetrics{}
	svc := NewAssistantService(model, nopLogger, metrics)
	elements, err := svc.Generate(context.Background(), "  two red squares ")
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, domain.ToolRectangle, elements[0].Tool)
	assert.Equal(t, []string{"ok"}, metrics.outcomes)
	model.AssertExpectations(t)
}

func TestAssistantService_Failures(t *testing.T) {
	ctx := context.Background()

	_, err := NewAssistantService(nil, nopLogger, nil).Generate(ctx, "anything")
	assert.ErrorIs(t, err, domain.ErrAssistantDisabled)

	model := &mockModel{}
	svc := NewAssistantService(model, nopLogger, nil)
	_, err = svc.Generate(ctx, "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyPrompt)
	model.AssertNotCalled(t, "GenerateText", mock.Anything, mock.Anything)

	upstream := errors.New("quota exceeded")
	model.On("GenerateText", mock.Anything, mock.Anything).Return("", upstream).Once()
	_, err = svc.Generate(ctx, "a circle")
	assert.ErrorIs(t, err, upstream)

	model.On("GenerateText", mock.Anything, mock.Anything).Return("I can't draw that.", nil).Once()
	_, err = svc.Generate(ctx, "a circle")
	assert.ErrorIs(t, err, domain.ErrMalformedAssistantOutput)
}

func TestBoardDocument_ImportRenamespaces(t *testing.T) {
	board, _ := newBoard("U1")
	generated, err := ParseAssistantOutput(`[{"tool":"circle","props":{"id":"1","x":1,"y":1,"radius":3}},{"tool":"circle","props":{"id":"2","x":2,"y":2,"radius":3}}]`)
	require.NoError(t, err)

	ids, err := board.Import(generated)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, id := range ids {
		assert.True(t, id.OwnedBy("U1"))
	}
	snap := board.SnapshotArray()
	require.Len(t, snap, 2)
	assert.Equal(t, ids[0], snap[0].ID())
	assert.Equal(t, "1", string(generated[0].ID()), "input left untouched")

	ok, err := board.ReplaceAt(ids[1], func(el domain.Element) domain.Element { return domain.DragTo(el, 10, 2) })
	require.NoError(t, err)
	assert.True(t, ok, "imported elements are editable by the importer")
}
