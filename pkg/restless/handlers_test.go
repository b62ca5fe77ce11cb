package restless

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/diwise/restless/pkg/jsonapi"
	"github.com/diwise/restless/pkg/schema"
	"github.com/diwise/restless/pkg/storage"
	"github.com/diwise/restless/pkg/storage/memory"
	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
)

const (
	msie8UA string = "Mozilla/5.0 (compatible; MSIE 8.0; Windows NT 6.1; Trident/4.0; GTB7.4; InfoPath.2; SV1; .NET CLR 3.3.69573; WOW64; en-US)"
	msie9UA string = "Mozilla/5.0 (compatible; MSIE 9.0; Windows NT 6.1; Trident/5.0)"
)

func TestCreateWithCorrectContentType(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person"}}`)

	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(resp.Header.Get("Content-Type"), jsonapi.MediaType)
	is.Equal(resp.Header.Get("Location"), "/api/person/1")
}

func TestCreateWithoutContentTypeReturnsUnsupportedMediaType(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", "", `{"data":{"type":"person"}}`)

	is.Equal(resp.StatusCode, http.StatusUnsupportedMediaType)
	is.Equal(resp.Header.Get("Content-Type"), jsonapi.MediaType)
}

func TestCreateWithWrongContentTypeReturnsUnsupportedMediaType(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	for _, contentType := range []string{"application/json", "application/javascript", jsonapi.MediaType + "; charset=utf-8"} {
		resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", contentType, `{"data":{"type":"person"}}`)
		is.Equal(resp.StatusCode, http.StatusUnsupportedMediaType) // content type should be rejected
		is.Equal(resp.Header.Get("Content-Type"), jsonapi.MediaType)
	}
}

func TestCreateFromLegacyInternetExplorerIgnoresContentType(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	for _, ua := range []string{msie8UA, msie9UA} {
		resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", "text/html", `{"data":{"type":"person"}}`, "User-Agent", ua)
		is.Equal(resp.StatusCode, http.StatusCreated) // legacy browsers should be let through
	}
}

func TestCreateWithoutBodyReturnsBadRequest(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, "")
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestCreateWithInvalidJSONReturnsBadRequest(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, "Invalid JSON string")
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestCreateWithoutDataReturnsBadRequest(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"type":"person"}`)
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestCreateWithWrongTypeReturnsBadRequest(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"article"}}`)
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestCreateWithConflictingAttributeReturnsConflictAndRollsBack(t *testing.T) {
	is, ts, session, registry := setupTest(t)
	defer ts.Close()

	ctx := context.Background()
	person := newEntity(is, registry, "person", nil)
	is.NoErr(person.Set("name", "foo"))
	is.NoErr(session.Add(ctx, person))
	is.NoErr(session.Commit(ctx))

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"name":"foo"}}}`)
	is.Equal(resp.StatusCode, http.StatusConflict)

	errs := decode(is, body)["errors"].([]any)
	is.Equal(len(errs), 1)
	is.Equal(errs[0].(map[string]any)["status"], "409")
	is.Equal(errs[0].(map[string]any)["code"], "integrity conflict")

	resp, _ = newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"name":"bar"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated) // session should be usable after the conflict
}

func TestCreateWithUnknownAttributeReturnsBadRequest(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"bogus":0}}}`)
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestCreateWithComputedAttributeReturnsBadRequest(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"is_minor":true}}}`)
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestCreateWithComputedAttributeInResponse(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"age":12}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	attributes := resourceOf(is, body)["attributes"].(map[string]any)
	is.Equal(attributes["age"], float64(12))
	is.Equal(attributes["is_minor"], true)
}

func TestCreateWithNullOrEmptyDateTime(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	for _, value := range []string{"null", `""`} {
		resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"birth_datetime":`+value+`}}}`)
		is.Equal(resp.StatusCode, http.StatusCreated)

		attributes := resourceOf(is, body)["attributes"].(map[string]any)
		v, ok := attributes["birth_datetime"]
		is.True(ok)      // attribute should be present
		is.Equal(v, nil) // and null
	}
}

func TestCreateWithCurrentTimestamp(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"birth_datetime":"CURRENT_TIMESTAMP"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	attributes := resourceOf(is, body)["attributes"].(map[string]any)
	birth, err := time.Parse(time.RFC3339Nano, attributes["birth_datetime"].(string))
	is.NoErr(err)

	diff := time.Since(birth)
	is.True(diff > -time.Hour && diff < time.Hour) // timestamp should be close to now
}

func TestCreateWithDuration(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"hangtime":300}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	attributes := resourceOf(is, body)["attributes"].(map[string]any)
	is.Equal(attributes["hangtime"], float64(300))
}

func TestCreateWithHugeDurationIsRejected(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"hangtime":1e30}}}`)
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestCreateWithTemporalAttributesRoundTrips(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"birth_datetime":"2024-05-17T13:14:15.123456","bedtime":"22:30:05.250000"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	attributes := resourceOf(is, body)["attributes"].(map[string]any)
	is.Equal(attributes["birth_datetime"], "2024-05-17T13:14:15.123456")
	is.Equal(attributes["bedtime"], "22:30:05.250000")

	resp, body = newTestRequest(is, ts, http.MethodPost, "/api/article", jsonapi.MediaType, `{"data":{"type":"article","attributes":{"date_created":"2024-05-17"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	attributes = resourceOf(is, body)["attributes"].(map[string]any)
	is.Equal(attributes["date_created"], "2024-05-17")
}

func TestCreateWithZonedDateTimeKeepsItsOffset(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"birth_datetime":"2024-05-17T13:14:15+02:00"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	attributes := resourceOf(is, body)["attributes"].(map[string]any)
	is.Equal(attributes["birth_datetime"], "2024-05-17T13:14:15+02:00")
}

func TestCreateWithToManyRelationship(t *testing.T) {
	is, ts, session, registry := setupTest(t)
	defer ts.Close()

	ctx := context.Background()
	first := newEntity(is, registry, "article", int64(1))
	second := newEntity(is, registry, "article", int64(2))
	is.NoErr(session.Add(ctx, first))
	is.NoErr(session.Add(ctx, second))
	is.NoErr(session.Commit(ctx))

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","relationships":{"articles":{"data":[{"type":"article","id":"1"},{"type":"article","id":"2"}]}}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	resource := resourceOf(is, body)
	articles := resource["relationships"].(map[string]any)["articles"].(map[string]any)["data"].([]any)

	ids := []string{}
	for _, a := range articles {
		is.Equal(a.(map[string]any)["type"], "article")
		ids = append(ids, a.(map[string]any)["id"].(string))
	}
	sort.Strings(ids)
	is.Equal(ids, []string{"1", "2"})

	articleDescriptor, _ := registry.Get("article")
	stored, err := session.Get(ctx, articleDescriptor, int64(1))
	is.NoErr(err)

	author, ok := stored.Related("author")
	is.True(ok) // article should have been given an author
	is.Equal(author.ID(), resource["id"])
}

func TestCreateWithToOneRelationship(t *testing.T) {
	is, ts, session, registry := setupTest(t)
	defer ts.Close()

	ctx := context.Background()
	is.NoErr(session.Add(ctx, newEntity(is, registry, "person", int64(1))))
	is.NoErr(session.Commit(ctx))

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/article", jsonapi.MediaType, `{"data":{"type":"article","relationships":{"author":{"data":{"type":"person","id":"1"}}}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	author := resourceOf(is, body)["relationships"].(map[string]any)["author"].(map[string]any)["data"].(map[string]any)
	is.Equal(author["type"], "person")
	is.Equal(author["id"], "1")
}

func TestCreateWithUnknownRelatedResourceReturnsBadRequest(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/article", jsonapi.MediaType, `{"data":{"type":"article","relationships":{"author":{"data":{"type":"person","id":"42"}}}}}`)
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestCreateWithRelationshipToCollectionName(t *testing.T) {
	is, ts, session, registry := setupTest(t)
	defer ts.Close()

	ctx := context.Background()
	is.NoErr(session.Add(ctx, newEntity(is, registry, "person", int64(1))))
	is.NoErr(session.Commit(ctx))

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/article", jsonapi.MediaType, `{"data":{"type":"article","relationships":{"author":{"data":{"type":"people","id":"1"}}}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)
}

func TestCreateWithUnicodePrimaryKey(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/tag", jsonapi.MediaType, `{"data":{"type":"tag","attributes":{"name":"Юникод"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(resp.Header.Get("Location"), "/api/tag/"+url.PathEscape("Юникод"))

	resource := resourceOf(is, body)
	is.Equal(resource["id"], "Юникод")
	is.Equal(resource["attributes"].(map[string]any)["name"], "Юникод")
}

func TestCreateUsesPrimaryKeyAsID(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/tag", jsonapi.MediaType, `{"data":{"type":"tag","attributes":{"name":"foo"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(resourceOf(is, body)["id"], "foo")
}

func TestCreateWithClientGeneratedID(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","id":17}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(resourceOf(is, body)["id"], "17")
}

func TestCreateWithCollectionName(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/people", jsonapi.MediaType, `{"data":{"type":"people"}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(resourceOf(is, body)["type"], "people")
	is.Equal(resp.Header.Get("Location"), "/api/people/1")
}

func TestCreateWithCustomSerialization(t *testing.T) {
	is, ts, m, registry := setupManagerTest(t)
	defer ts.Close()

	temp := []any{}
	person, _ := registry.Get("person")

	serializer := SerializerFunc(func(ctx context.Context, entity *schema.Entity) (*jsonapi.Resource, error) {
		resource, err := NewSerializer("person").Serialize(ctx, entity)
		if err != nil {
			return nil, err
		}
		resource.Attributes["foo"] = temp[len(temp)-1]
		temp = temp[:len(temp)-1]
		return resource, nil
	})

	deserializer := DeserializerFunc(func(ctx context.Context, document *jsonapi.Document) (*schema.Entity, error) {
		temp = append(temp, document.Data.Attributes["foo"])
		return schema.NewEntity(person), nil
	})

	_, err := m.CreateAPI(context.Background(), "person", Methods(http.MethodPost), URLPrefix("/api2"), WithSerializer(serializer), WithDeserializer(deserializer))
	is.NoErr(err)

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api2/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"foo":"bar"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(resourceOf(is, body)["attributes"].(map[string]any)["foo"], "bar")
}

func TestCreateWithFailingDeserializerReturnsBadRequest(t *testing.T) {
	is, ts, m, _ := setupManagerTest(t)
	defer ts.Close()

	_, err := m.CreateAPI(context.Background(), "person", Methods(http.MethodPost), URLPrefix("/api2"),
		WithDeserializer(DeserializerFunc(func(context.Context, *jsonapi.Document) (*schema.Entity, error) {
			return nil, errors.New("cannot deserialize")
		})),
	)
	is.NoErr(err)

	_, err = m.CreateAPI(context.Background(), "person", Methods(http.MethodPost), URLPrefix("/api3"),
		WithDeserializer(DeserializerFunc(func(context.Context, *jsonapi.Document) (*schema.Entity, error) {
			panic("boom")
		})),
	)
	is.NoErr(err)

	for _, path := range []string{"/api2/person", "/api3/person"} {
		resp, _ := newTestRequest(is, ts, http.MethodPost, path, jsonapi.MediaType, `{"data":{"type":"person"}}`)
		is.Equal(resp.StatusCode, http.StatusBadRequest) // deserializer failure should be a bad request
	}
}

func TestCreateWithFailingSerializerReturnsBadRequest(t *testing.T) {
	is, ts, m, _ := setupManagerTest(t)
	defer ts.Close()

	_, err := m.CreateAPI(context.Background(), "person", Methods(http.MethodPost), URLPrefix("/api2"),
		WithSerializer(SerializerFunc(func(context.Context, *schema.Entity) (*jsonapi.Resource, error) {
			return nil, errors.New("cannot serialize")
		})),
	)
	is.NoErr(err)

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api2/person", jsonapi.MediaType, `{"data":{"type":"person"}}`)
	is.Equal(resp.StatusCode, http.StatusBadRequest)

	errs := decode(is, body)["errors"].([]any)
	is.Equal(errs[0].(map[string]any)["code"], "serialization failed")
}

func TestCreateThroughRelatedResourceURLIsNotAllowed(t *testing.T) {
	is, ts, session, registry := setupTest(t)
	defer ts.Close()

	ctx := context.Background()
	person := newEntity(is, registry, "person", int64(1))
	is.NoErr(session.Add(ctx, person))
	is.NoErr(session.Add(ctx, newEntity(is, registry, "article", int64(1))))
	is.NoErr(session.Commit(ctx))

	requests := map[string]string{
		"/api/person/1/articles":               `{"data":{"type":"article","id":1}}`,
		"/api/article/1/author":                `{"data":{"type":"person","id":1}}`,
		"/api/person/1/relationships/articles": `{"data":[{"type":"article","id":"1"}]}`,
	}

	for path, body := range requests {
		resp, _ := newTestRequest(is, ts, http.MethodPost, path, jsonapi.MediaType, body)
		is.Equal(resp.StatusCode, http.StatusMethodNotAllowed) // related resource urls must not accept POST
	}

	stored, err := session.Get(ctx, person.Descriptor(), int64(1))
	is.NoErr(err)
	is.Equal(len(stored.RelatedMany("articles")), 0) // nothing should have been linked
}

func TestMethodsNotRegisteredAreNotAllowed(t *testing.T) {
	is, ts, _, _ := setupTest(t)
	defer ts.Close()

	resp, _ := newTestRequest(is, ts, http.MethodGet, "/api/person/1", "", "")
	is.Equal(resp.StatusCode, http.StatusMethodNotAllowed)

	resp, _ = newTestRequest(is, ts, http.MethodDelete, "/api/person/1", "", "")
	is.Equal(resp.StatusCode, http.StatusMethodNotAllowed)
}

func TestRetrieveCreatedResource(t *testing.T) {
	is, ts, m, _ := setupManagerTest(t)
	defer ts.Close()

	_, err := m.CreateAPI(context.Background(), "person", Methods(http.MethodGet, http.MethodPost))
	is.NoErr(err)

	resp, created := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"name":"foo"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	resp, retrieved := newTestRequest(is, ts, http.MethodGet, resp.Header.Get("Location"), "", "")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(resourceOf(is, retrieved), resourceOf(is, created))

	for _, id := range []string{"99", "notanumber"} {
		resp, _ = newTestRequest(is, ts, http.MethodGet, "/api/person/"+id, "", "")
		is.Equal(resp.StatusCode, http.StatusNotFound) // unknown ids should not be found
	}
}

func TestPreprocessorCanModifyTheRequest(t *testing.T) {
	is, ts, m, _ := setupManagerTest(t)
	defer ts.Close()

	setName := PreprocessorFunc(func(ctx context.Context, document *jsonapi.Document) error {
		document.Data.Attributes["name"] = "bar"
		return nil
	})

	_, err := m.CreateAPI(context.Background(), "person", Methods(http.MethodPost), WithPreprocessors(http.MethodPost, setName))
	is.NoErr(err)

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person","attributes":{"name":"foo"}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(resourceOf(is, body)["attributes"].(map[string]any)["name"], "bar")
}

func TestPreprocessorCanAbortWithItsOwnStatus(t *testing.T) {
	is, ts, m, _ := setupManagerTest(t)
	defer ts.Close()

	deny := PreprocessorFunc(func(ctx context.Context, document *jsonapi.Document) error {
		return NewProcessingError(http.StatusForbidden, "not today")
	})

	_, err := m.CreateAPI(context.Background(), "person", Methods(http.MethodPost), WithPreprocessors(http.MethodPost, deny))
	is.NoErr(err)

	resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person"}}`)
	is.Equal(resp.StatusCode, http.StatusForbidden)
}

func TestPostprocessorCanModifyTheResult(t *testing.T) {
	is, ts, m, _ := setupManagerTest(t)
	defer ts.Close()

	modify := PostprocessorFunc(func(ctx context.Context, result map[string]any) error {
		result["foo"] = "bar"
		return nil
	})

	_, err := m.CreateAPI(context.Background(), "person", Methods(http.MethodPost), WithPostprocessors(http.MethodPost, modify))
	is.NoErr(err)

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person"}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)
	is.Equal(decode(is, body)["foo"], "bar")
}

func TestCreateWithAssociationProxy(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	article, err := schema.New("article",
		schema.PrimaryKey("id", schema.Integer),
		schema.AssociationProxy("tags", "tag", "articletag", "article", "tag"),
	)
	is.NoErr(err)
	articletag, err := schema.New("articletag",
		schema.PrimaryKey("id", schema.Integer),
		schema.ToOne("article", "article"),
		schema.ToOne("tag", "tag"),
	)
	is.NoErr(err)
	tag, err := schema.New("tag",
		schema.PrimaryKey("id", schema.Integer),
		schema.Attribute("name", schema.UnicodeText),
	)
	is.NoErr(err)

	registry, err := schema.NewRegistry(article, articletag, tag)
	is.NoErr(err)

	session := memory.NewSession(registry)
	for _, id := range []int64{1, 2} {
		e := schema.NewEntity(tag)
		e.SetPrimaryKey(id)
		is.NoErr(session.Add(ctx, e))
	}
	is.NoErr(session.Commit(ctx))

	r := chi.NewRouter()
	ts := httptest.NewServer(r)
	defer ts.Close()

	m := NewManager(ctx, r, registry, session)
	_, err = m.CreateAPI(ctx, "article", Methods(http.MethodPost))
	is.NoErr(err)
	_, err = m.CreateAPI(ctx, "tag")
	is.NoErr(err)

	resp, body := newTestRequest(is, ts, http.MethodPost, "/api/article", jsonapi.MediaType, `{"data":{"type":"article","relationships":{"tags":{"data":[{"type":"tag","id":"1"},{"type":"tag","id":"2"}]}}}}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	tags := resourceOf(is, body)["relationships"].(map[string]any)["tags"].(map[string]any)["data"].([]any)
	ids := []string{}
	for _, tg := range tags {
		ids = append(ids, tg.(map[string]any)["id"].(string))
	}
	sort.Strings(ids)
	is.Equal(ids, []string{"1", "2"})

	link, err := session.Get(ctx, articletag, int64(1))
	is.NoErr(err) // an association entity should have been stored
	linked, _ := link.Related("tag")
	is.Equal(linked.ID(), "1")
}

func TestStorageFailureStatusIsConfigurable(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	registry := newRegistry(is)

	for _, expected := range []int{http.StatusBadRequest, http.StatusInternalServerError} {
		session := &failingSession{}

		r := chi.NewRouter()
		ts := httptest.NewServer(r)

		m := NewManager(ctx, r, registry, session, WithStorageErrorStatus(expected))
		_, err := m.CreateAPI(ctx, "person", Methods(http.MethodPost))
		is.NoErr(err)

		resp, _ := newTestRequest(is, ts, http.MethodPost, "/api/person", jsonapi.MediaType, `{"data":{"type":"person"}}`)
		ts.Close()

		is.Equal(resp.StatusCode, expected)
		is.True(session.rolledBack) // session should have been rolled back
	}
}

func TestCreateAPIRejectsDuplicatesAndUnknownTypes(t *testing.T) {
	is, ts, m, _ := setupManagerTest(t)
	defer ts.Close()

	ctx := context.Background()

	_, err := m.CreateAPI(ctx, "person", Methods(http.MethodPost))
	is.NoErr(err)

	_, err = m.CreateAPI(ctx, "person", Methods(http.MethodPost))
	is.True(err != nil) // same path twice should be rejected

	_, err = m.CreateAPI(ctx, "computer")
	is.True(err != nil) // unregistered entity type

	_, err = m.CreateAPI(ctx, "article", CollectionName("person"), URLPrefix("/other"))
	is.True(err != nil) // collection name already denotes another type

	_, err = m.CreateAPI(ctx, "article", Methods(http.MethodDelete))
	is.True(err != nil) // unsupported method
}

type failingSession struct {
	rolledBack bool
}

func (f *failingSession) Add(context.Context, *schema.Entity) error { return nil }
func (f *failingSession) Commit(context.Context) error              { return errors.New("disk full") }
func (f *failingSession) Rollback(context.Context) error {
	f.rolledBack = true
	return nil
}
func (f *failingSession) Get(context.Context, *schema.Descriptor, any) (*schema.Entity, error) {
	return nil, storage.ErrNotFound
}

func newTestRequest(is *is.I, ts *httptest.Server, method, path, contentType, body string, headers ...string) (*http.Response, string) {
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, _ := http.NewRequest(method, ts.URL+path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err) // http request failed
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	is.NoErr(err) // failed to read response body

	return resp, string(respBody)
}

func decode(is *is.I, body string) map[string]any {
	document := map[string]any{}
	is.NoErr(json.Unmarshal([]byte(body), &document)) // response should be a json document
	return document
}

func resourceOf(is *is.I, body string) map[string]any {
	data, ok := decode(is, body)["data"].(map[string]any)
	is.True(ok) // response should contain a resource object
	return data
}

func newEntity(is *is.I, registry *schema.Registry, entityType string, id any) *schema.Entity {
	d, ok := registry.Get(entityType)
	is.True(ok) // entity type should be registered

	e := schema.NewEntity(d)
	if id != nil {
		e.SetPrimaryKey(id)
	}
	return e
}

func newRegistry(is *is.I) *schema.Registry {
	person, err := schema.New("person",
		schema.PrimaryKey("id", schema.Integer),
		schema.Attribute("age", schema.Integer),
		schema.Attribute("name", schema.UnicodeText, schema.Unique()),
		schema.Attribute("birth_datetime", schema.DateTime),
		schema.Attribute("bedtime", schema.Time),
		schema.Attribute("hangtime", schema.Duration),
		schema.Computed("is_minor", schema.Boolean, func(e *schema.Entity) any {
			age, ok := e.Get("age")
			if a, isInt := age.(int64); ok && isInt {
				return a < 18
			}
			return nil
		}),
		schema.ToMany("articles", "article", schema.Inverse("author")),
	)
	is.NoErr(err)

	article, err := schema.New("article",
		schema.PrimaryKey("id", schema.Integer),
		schema.Attribute("date_created", schema.Date),
		schema.ToOne("author", "person"),
	)
	is.NoErr(err)

	tag, err := schema.New("tag",
		schema.PrimaryKey("name", schema.UnicodeText),
		schema.Attribute("id", schema.Integer),
	)
	is.NoErr(err)

	registry, err := schema.NewRegistry(person, article, tag)
	is.NoErr(err)

	return registry
}

// setupManagerTest returns a server backed by a manager without any apis
func setupManagerTest(t *testing.T) (*is.I, *httptest.Server, *Manager, *schema.Registry) {
	is := is.New(t)

	registry := newRegistry(is)
	r := chi.NewRouter()
	ts := httptest.NewServer(r)

	m := NewManager(context.Background(), r, registry, memory.NewSession(registry))

	return is, ts, m, registry
}

func setupTest(t *testing.T) (*is.I, *httptest.Server, *memory.Session, *schema.Registry) {
	is := is.New(t)
	ctx := context.Background()

	registry := newRegistry(is)
	session := memory.NewSession(registry)

	r := chi.NewRouter()
	ts := httptest.NewServer(r)

	m := NewManager(ctx, r, registry, session)
	for _, entityType := range []string{"person", "article", "tag"} {
		_, err := m.CreateAPI(ctx, entityType, Methods(http.MethodPost))
		is.NoErr(err)
	}

	_, err := m.CreateAPI(ctx, "person", Methods(http.MethodPost), CollectionName("people"))
	is.NoErr(err)

	return is, ts, session, registry
}
