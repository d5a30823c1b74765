package query

const (
	maxSuggestions = 3
	maxTips        = 2
)

// Insights are category-derived hints for refining a search.
type Insights struct {
	Category    Category `json:"category"`
	Suggestions []string `json:"suggestions"`
	Tips        []string `json:"tips"`
}

var insightTable = map[Category]Insights{
	CategoryProperty: {
		Suggestions: []string{
			"Add the locality to narrow down projects with similar names",
			"Include the configuration you want (2 BHK, 3 BHK)",
			"Compare with nearby projects from the same developer",
		},
		Tips: []string{
			"Check the RERA registration before shortlisting",
			"Recent resale listings give a better price signal than launch prices",
		},
	},
	CategoryDeveloper: {
		Suggestions: []string{
			"Add a locality to see the developer's projects in that area",
			"Search for ongoing versus completed projects separately",
			"Include a budget range to filter premium and mid-segment launches",
		},
		Tips: []string{
			"Look at delivery track record for past projects",
			"Verify approvals on the state RERA portal",
		},
	},
	CategoryLocation: {
		Suggestions: []string{
			"Add a property type such as apartment or villa",
			"Include a budget range for more relevant listings",
			"Search for upcoming infrastructure in the area",
		},
		Tips: []string{
			"Commute times vary a lot by time of day; check peak hours",
			"Compare rental yields across neighbouring localities",
		},
	},
	CategoryGeneric: {
		Suggestions: []string{
			"Mention a locality or city",
			"Name a project or developer",
			"Specify the property type you are looking for",
		},
		Tips: []string{
			"Specific queries return more accurate research",
			"Locality names work better than landmarks",
		},
	},
}

// Insights derives refinement suggestions and tips from q's category.
func (c *Classifier) Insights(q string) Insights {
	cat := c.Optimize(q).Category
	tmpl := insightTable[cat]
	return Insights{
		Category:    cat,
		Suggestions: firstN(tmpl.Suggestions, maxSuggestions),
		Tips:        firstN(tmpl.Tips, maxTips),
	}
}

func firstN(in []string, n int) []string {
	if len(in) > n {
		in = in[:n]
	}
	return append([]string(nil), in...)
}
