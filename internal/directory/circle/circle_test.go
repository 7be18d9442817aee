package circle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

const (
	dummyAPIToken    = "community-token"
	dummyMemberToken = "member-token"
)

type dummyCircle struct {
	members   map[string]map[string]any
	failFirst int32
	calls     int32
}

func (d *dummyCircle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&d.calls, 1)
	if n <= d.failFirst {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	switch r.URL.Path {
	case uriAuthToken:
		if r.Header.Get("Authorization") != "Bearer "+dummyAPIToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Email string `json:"email"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if _, ok := d.members[req.Email]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": dummyMemberToken + ":" + req.Email})

	case uriMe:
		h := r.Header.Get("Authorization")
		for email, m := range d.members {
			if h == "Bearer "+dummyMemberToken+":"+email {
				json.NewEncoder(w).Encode(m)
				return
			}
		}
		w.WriteHeader(http.StatusUnauthorized)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestCircle(t *testing.T, d *dummyCircle, token string) *Circle {
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	c, err := New(Conf{
		APIURL:   srv.URL,
		APIToken: token,
		Retries:  2,
	}, logf.New(logf.Opts{}))
	require.NoError(t, err)
	return c
}

func dummyMembers() map[string]map[string]any {
	return map[string]map[string]any{
		"a@x.com":       {"id": 42, "email": "a@x.com", "name": "Ada", "status": "active"},
		"first@x.com":   {"id": 43, "email": "first@x.com", "first_name": "Bo", "status": "active"},
		"noname@x.com":  {"id": 44, "email": "noname@x.com", "status": "active"},
		"blocked@x.com": {"id": 45, "email": "blocked@x.com", "name": "Cy", "status": "inactive"},
	}
}

func TestLookup(t *testing.T) {
	c := newTestCircle(t, &dummyCircle{members: dummyMembers()}, " "+dummyAPIToken+"\n")

	m, err := c.Lookup(context.Background(), "  A@X.com ")
	require.NoError(t, err)
	assert.Equal(t, "42", m.ID)
	assert.Equal(t, "Ada", m.Name)
	assert.Equal(t, "a@x.com", m.Email)

	m, err = c.Lookup(context.Background(), "first@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Bo", m.Name, "first_name fallback")

	m, err = c.Lookup(context.Background(), "noname@x.com")
	require.NoError(t, err)
	assert.Equal(t, defaultName, m.Name, "default name fallback")
}

func TestLookupNotFound(t *testing.T) {
	c := newTestCircle(t, &dummyCircle{members: dummyMembers()}, dummyAPIToken)

	_, err := c.Lookup(context.Background(), "nobody@x.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Lookup(context.Background(), "blocked@x.com")
	assert.ErrorIs(t, err, ErrNotFound, "inactive members shouldn't resolve")
}

func TestLookupBadToken(t *testing.T) {
	c := newTestCircle(t, &dummyCircle{members: dummyMembers()}, "wrong-token")

	_, err := c.Lookup(context.Background(), "a@x.com")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestLookupRetries(t *testing.T) {
	d := &dummyCircle{members: dummyMembers(), failFirst: 2}
	c := newTestCircle(t, d, dummyAPIToken)

	m, err := c.Lookup(context.Background(), "a@x.com")
	require.NoError(t, err, "transient failures should be retried")
	assert.Equal(t, "42", m.ID)
	assert.Equal(t, int32(4), atomic.LoadInt32(&d.calls))
}

func TestNewNoToken(t *testing.T) {
	_, err := New(Conf{}, logf.New(logf.Opts{}))
	assert.Error(t, err)
}
