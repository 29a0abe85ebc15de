package selection

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemigrate/internal/errs"
)

func TestParseDropsInvalidIDs(t *testing.T) {
	sel, err := Parse(map[string]any{
		"export_post_types": []any{"post"},
		"selected_post_ids": []any{"5", "abc", "-2"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"post"}, sel.PostTypes())
	assert.Equal(t, []int64{5}, sel.IDs("post"))
	assert.True(t, sel.HasPost("post", 5))
	assert.Equal(t, 1, sel.Len())
}

func TestParseAcceptsShortPostTypesField(t *testing.T) {
	sel, err := Parse(map[string]any{
		"post_types":        []any{"post"},
		"export_post_types": "page",
		"selected_post_ids": []any{"5", "abc", "-2"},
		"selected_page_ids": "2",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"page", "post"}, sel.PostTypes())
	assert.Equal(t, []int64{5}, sel.IDs("post"))
	assert.Equal(t, []int64{2}, sel.IDs("page"))
}

func TestParseRejectsNonMapping(t *testing.T) {
	for _, raw := range []any{nil, "post", []any{"post"}, 42} {
		_, err := Parse(raw, nil)
		assert.ErrorIs(t, err, errs.ErrValidation, "%#v", raw)
	}
}

func TestParseMissingFields(t *testing.T) {
	sel, err := Parse(map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sel.Len())
	assert.Empty(t, sel.PostTypes())

	// a type without its id field selects no items of that type
	sel, err = Parse(map[string]any{"export_post_types": "page"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"page"}, sel.PostTypes())
	assert.Empty(t, sel.IDs("page"))
	assert.False(t, sel.HasPostID(0))
}

func TestParseCollapsesDuplicates(t *testing.T) {
	sel, err := Parse(map[string]any{
		"export_post_types": []any{"post", "post"},
		"selected_post_ids": []any{"7", 7.0, json.Number("7"), 3, "3"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, sel.IDs("post"))
	assert.Equal(t, 2, sel.Len())
}

func TestParseNumericForms(t *testing.T) {
	sel, err := Parse(map[string]any{
		"export_post_types": []any{"page"},
		"selected_page_ids": []any{1.5, -1.0, 2.0, int64(9), nil, true},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 9}, sel.IDs("page"))
}

func TestParseDeclaredTypes(t *testing.T) {
	sel, err := Parse(map[string]any{
		"export_post_types":    []any{"post", "product"},
		"selected_post_ids":    "1,2",
		"selected_product_ids": "3",
	}, []string{"post", "page"})
	require.NoError(t, err)
	assert.Equal(t, []string{"post"}, sel.PostTypes())
	assert.Equal(t, []int64{1, 2}, sel.IDs("post"))
	assert.Empty(t, sel.IDs("product"))
}

func TestParseSanitizesKeys(t *testing.T) {
	sel, err := Parse(map[string]any{
		"export_settings": []any{"BlogName", "site url!", "***", 12, "permalink_structure"},
		"export_widgets":  []any{"Sidebar-1", "", "nav menu"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"blogname", "permalink_structure", "siteurl"}, sel.Settings())
	assert.Equal(t, []string{"navmenu", "sidebar-1"}, sel.Groups())
	assert.True(t, sel.HasSetting("siteurl"))
	assert.True(t, sel.HasGroup("sidebar-1"))
}

func TestParseFormValues(t *testing.T) {
	form := url.Values{}
	form.Add("export_post_types[]", "post")
	form.Add("selected_post_ids[]", "10")
	form.Add("selected_post_ids[]", "11")

	sel, err := Parse(form, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, sel.IDs("post"))
}

func TestSelectionJSONRoundTrip(t *testing.T) {
	sel := NewBuilder().
		AddPost("post", 5).
		AddPost("page", 2).
		AddType("attachment").
		AddSetting("blogname").
		AddGroup("sidebar-1").
		Build()

	data, err := json.Marshal(sel)
	require.NoError(t, err)

	var back ContentSelection
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, sel.PostTypes(), back.PostTypes())
	assert.Equal(t, []int64{2, 5}, back.AllIDs())
	assert.Equal(t, sel.Settings(), back.Settings())
	assert.Equal(t, sel.Groups(), back.Groups())
}

func TestBuilderDetachesSelection(t *testing.T) {
	b := NewBuilder().AddPost("post", 1)
	sel := b.Build()
	b.AddPost("post", 2)

	assert.Equal(t, []int64{1}, sel.IDs("post"))
}
