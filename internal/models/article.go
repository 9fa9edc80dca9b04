package models

// WordsPerMinute is the reading speed used to estimate article length.
const WordsPerMinute = 230

// Article is a bookmarked item as returned by the article source.
type Article struct {
	ItemID    string   `json:"item_id"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	WordCount int      `json:"word_count"`
	Tags      []string `json:"tags,omitempty"`
	HasVideo  bool     `json:"has_video"`
	SortID    int      `json:"sort_id"`
}

func (a Article) ReadingMinutes() float64 {
	return float64(a.WordCount) / WordsPerMinute
}

func (a Article) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (a Article) Saved() SavedArticle {
	return SavedArticle{ItemID: a.ItemID, URL: a.URL, Title: a.Title}
}

// SavedArticle is the reduced form kept in a mailing.
type SavedArticle struct {
	ItemID string `json:"pocketId"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// Action is an operation a reader can trigger on an article from the
// delivered periodical.
type Action string

const (
	ActionFavorite           Action = "favorite"
	ActionArchive            Action = "archive"
	ActionFavoriteAndArchive Action = "fav-and-archive"
)

func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionFavorite, ActionArchive, ActionFavoriteAndArchive:
		return a, true
	}
	return "", false
}

func (a Action) Favorites() bool { return a == ActionFavorite || a == ActionFavoriteAndArchive }

func (a Action) Archives() bool { return a == ActionArchive || a == ActionFavoriteAndArchive }
