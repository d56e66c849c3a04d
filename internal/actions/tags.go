package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/drip/pkg/schema"
)

// TagStore is the slice of the store the tag actions need.
type TagStore interface {
	AddTag(ctx context.Context, tenantID, subscriberID, tag string) error
	RemoveTag(ctx context.Context, tenantID, subscriberID, tag string) error
}

const tagInputSchema = `{
  "type": "object",
  "properties": {
    "tag": {"type": "string", "minLength": 1}
  },
  "required": ["tag"]
}`

// TagAction implements add_tag and remove_tag.
type TagAction struct {
	store  TagStore
	remove bool
}

// NewAddTagAction creates the add_tag action.
func NewAddTagAction(store TagStore) *TagAction {
	return &TagAction{store: store}
}

// NewRemoveTagAction creates the remove_tag action.
func NewRemoveTagAction(store TagStore) *TagAction {
	return &TagAction{store: store, remove: true}
}

func (a *TagAction) Name() string {
	if a.remove {
		return string(schema.ActionRemoveTag)
	}
	return string(schema.ActionAddTag)
}

func (a *TagAction) Schema() ActionSchema {
	desc := "Attach a tag to the subscriber."
	if a.remove {
		desc = "Remove a tag from the subscriber."
	}
	return ActionSchema{
		Description: desc,
		InputSchema: json.RawMessage(tagInputSchema),
	}
}

func (a *TagAction) Validate(params map[string]any) error {
	if strings.TrimSpace(stringParam(params, "tag", "")) == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'tag'", a.Name())
	}
	return nil
}

func (a *TagAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if input.Subscriber == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: no subscriber", a.Name())
	}
	tag := strings.TrimSpace(stringParam(input.Params, "tag", ""))

	var err error
	if a.remove {
		err = a.store.RemoveTag(ctx, input.TenantID, input.Subscriber.SubscriberID, tag)
	} else {
		err = a.store.AddTag(ctx, input.TenantID, input.Subscriber.SubscriberID, tag)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s %q: %v", a.Name(), tag, err).WithCause(err)
	}
	return &ActionOutput{}, nil
}
