// Package auth authenticates murmur users.
//
// # Tokens
//
// API clients and WebSocket connections present an HS256 JWT whose "sub"
// claim is the user's numeric id:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(user.ID, 24*time.Hour)
//	userID, err := verifier.Verify(token)
//
// Secrets shorter than MinSecretLength bytes are rejected.
//
// # Passwords
//
// Passwords are stored as bcrypt hashes. Authenticate checks an email and
// password pair against the user store and returns ErrInvalidCredentials
// for both unknown emails and wrong passwords.
//
// # HTTP
//
// HTTPAuthMiddleware reads the bearer token from the Authorization header
// (or the "token" query parameter, for browsers opening a WebSocket), loads
// the user and stores it in the request context:
//
//	r.Use(auth.HTTPAuthMiddleware(users, verifier, logger))
//	...
//	user := auth.UserFromContext(r.Context())
package auth
