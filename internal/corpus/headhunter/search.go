package headhunter

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

const (
	SearchPath = "/vacancies"
)

// SearchParams is the query sent to the vacancies endpoint. It is read from
// the corpus.search config section.
type SearchParams struct {
	Text string `mapstructure:"text"`
	// hhparam is a custom tag for repeated query keys. See buildParams.
	Areas       []int    `mapstructure:"areas" hhparam:"area"`
	OrderBy     string   `mapstructure:"order_by"`
	SearchField string   `mapstructure:"search_field"`
	Schedules   []string `mapstructure:"schedules" hhparam:"schedule"`
	Employment  []string `mapstructure:"employment" hhparam:"employment"`
	PerPage     string   `mapstructure:"per_page"`
	Experience  string   `mapstructure:"experience"`
	Period      uint     `mapstructure:"period"`
}

// Search returns every vacancy matching params, following pagination.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]*Vacancy, error) {
	if params.PerPage == "" {
		params.PerPage = perPage
	}

	items, err := c.GetItems(ctx, fmt.Sprintf("%s%s", c.APIURL, SearchPath), buildParams(&params))
	if err != nil {
		return nil, fmt.Errorf("search vacancies: %w", err)
	}

	return decodeVacancies(items)
}

func decodeVacancies(items []Item) ([]*Vacancy, error) {
	var vacancies []*Vacancy

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &vacancies,
		TagName: "json",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(items); err != nil {
		return nil, fmt.Errorf("decode vacancies: %w", err)
	}

	return vacancies, nil
}

func buildParams(params *SearchParams) url.Values {
	q := url.Values{}
	value := reflect.ValueOf(params).Elem()

	for _, field := range reflect.VisibleFields(value.Type()) {
		key := field.Tag.Get("hhparam")
		if key == "" {
			key = field.Tag.Get("mapstructure")
		}

		switch v := value.FieldByIndex(field.Index).Interface().(type) {
		case []int:
			for _, item := range v {
				q.Add(key, strconv.Itoa(item))
			}
		case []string:
			for _, item := range v {
				q.Add(key, item)
			}
		default:
			s := fmt.Sprintf("%v", v)
			if s != "" && s != "0" {
				q.Set(key, s)
			}
		}
	}

	return q
}
