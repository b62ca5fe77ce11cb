package config

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/diwise/restless/pkg/restless"
	"github.com/diwise/restless/pkg/schema"
	"github.com/diwise/restless/pkg/storage/memory"
	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
)

func TestLoadConfig(t *testing.T) {
	is, config := setupConfigTest(t, configFile)

	is.Equal(config.Storage.Driver, "sqlite3")
	is.Equal(config.URLPrefix, "/api")
	is.Equal(len(config.Models), 4)      // should find four models
	is.Equal(len(config.Collections), 3) // should find three collections
}

func TestLoadConfigDefaults(t *testing.T) {
	is, config := setupConfigTest(t, "models: []\n")

	is.Equal(config.Storage.Driver, "memory")
	is.Equal(config.URLPrefix, restless.DefaultURLPrefix)
}

func TestBuildRegistry(t *testing.T) {
	is, config := setupConfigTest(t, configFile)

	registry, err := config.Registry()
	is.NoErr(err)
	is.Equal(registry.Names(), []string{"article", "articletag", "person", "tag"})

	person, _ := registry.Get("person")
	is.Equal(person.Table(), "people")
	is.Equal(person.PrimaryKey(), "id")

	name, ok := person.Attribute("name")
	is.True(ok)
	is.True(name.Unique)
	is.True(!name.Nullable) // nullable: false should be honoured
	is.Equal(name.Kind, schema.UnicodeText)

	articles, ok := person.Relationship("articles")
	is.True(ok)
	is.Equal(articles.Cardinality, schema.Many)
	is.Equal(articles.Inverse, "author")

	article, _ := registry.Get("article")
	author, _ := article.Relationship("author")
	is.Equal(author.ForeignKey, "person_id")

	tags, _ := article.Relationship("tags")
	is.Equal(tags.Backing, schema.AssociationBacked)
	is.Equal(tags.Association.Entity, "articletag")

	tag, _ := registry.Get("tag")
	is.Equal(tag.PrimaryKey(), "name")
}

func TestBuildRegistryFailsOnUnknownKind(t *testing.T) {
	is, config := setupConfigTest(t, `
models:
  - name: thing
    attributes:
      - name: weight
        kind: kilograms
`)

	_, err := config.Registry()
	is.True(err != nil) // unknown kinds should be rejected
}

func TestRegisterCollections(t *testing.T) {
	is, config := setupConfigTest(t, configFile)
	ctx := context.Background()

	registry, err := config.Registry()
	is.NoErr(err)

	r := chi.NewRouter()
	m := restless.NewManager(ctx, r, registry, memory.NewSession(registry), restless.WithURLPrefix(config.URLPrefix))

	notified := []string{}
	err = config.RegisterCollections(ctx, m, func(c CollectionConfig) []restless.APIOption {
		if c.Notify {
			notified = append(notified, c.Model)
		}
		return nil
	})
	is.NoErr(err)
	is.Equal(notified, []string{"person"})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/people", "application/vnd.api+json", strings.NewReader(`{"data":{"type":"people","attributes":{"name":"foo"}}}`))
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusCreated)

	resp, err = http.Get(ts.URL + "/api/people/1")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)
}

func setupConfigTest(t *testing.T, data string) (*is.I, *Config) {
	is := is.New(t)
	config, err := LoadConfiguration(bytes.NewBufferString(data))
	is.NoErr(err)

	return is, config
}

var configFile string = `
storage:
  driver: sqlite3
  dsn: file::memory:?_foreign_keys=on
urlPrefix: /api
models:
  - name: person
    table: people
    attributes:
      - name: id
        kind: integer
      - name: name
        kind: unicode
        nullable: false
        unique: true
      - name: birth_datetime
        kind: datetime
    relationships:
      - name: articles
        cardinality: to-many
        target: article
        inverse: author
  - name: article
    attributes:
      - name: date_created
        kind: date
    relationships:
      - name: author
        cardinality: to-one
        target: person
        foreignKey: person_id
      - name: tags
        target: tag
        through:
          entity: articletag
          local: article
          remote: tag
  - name: articletag
    relationships:
      - name: article
        cardinality: to-one
        target: article
      - name: tag
        cardinality: to-one
        target: tag
  - name: tag
    primaryKey: name
    attributes:
      - name: name
        kind: unicode
collections:
  - model: person
    name: people
    methods: [GET, POST]
    notify: true
  - model: article
    methods: [POST]
  - model: tag
`
