package session

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Registrar is the slice of the backend client the bootstrapper needs.
type Registrar interface {
	RegisterGuest(ctx context.Context, fullname string) (string, error)
}

// Bootstrapper produces a valid session: the persisted one when it
// exists, otherwise a freshly registered guest.
type Bootstrapper struct {
	store     *Store
	registrar Registrar
	guestName string
	group     singleflight.Group
}

// NewBootstrapper returns a Bootstrapper registering guests under
// guestName when no session is stored.
func NewBootstrapper(store *Store, registrar Registrar, guestName string) *Bootstrapper {
	return &Bootstrapper{
		store:     store,
		registrar: registrar,
		guestName: guestName,
	}
}

// Bootstrap returns the current session, registering a guest if needed.
// Overlapping calls are collapsed into a single registration request.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Session, error) {
	v, err, _ := b.group.Do("bootstrap", func() (any, error) {
		return b.bootstrap(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (b *Bootstrapper) bootstrap(ctx context.Context) (*Session, error) {
	sess, err := b.store.Get()
	if err != nil {
		// A broken store should not lock the visitor out; fall through
		// to a fresh registration.
		log.Warn().Err(err).Msg("[session] failed to read stored session")
	}

	if sess == nil {
		token, err := b.registrar.RegisterGuest(ctx, b.guestName)
		if err != nil {
			return nil, err
		}
		sess = &Session{Token: token, UserState: UserStateGuest}
		if err := b.store.Set(sess); err != nil {
			log.Warn().Err(err).Msg("[session] failed to persist session")
		}
	}

	sess.UserID = UserIDFromToken(sess.Token)
	return sess, nil
}

// UserIDFromToken extracts the user_id claim from a JWT without
// verifying the signature; the server remains the authority, the client
// only needs a stable identity to attribute its own messages. Returns
// "" when the token or the claim is unusable.
func UserIDFromToken(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		log.Warn().Err(err).Msg("[session] failed to decode token claims")
		return ""
	}

	id, ok := claims["user_id"].(string)
	if !ok {
		return ""
	}
	return id
}
