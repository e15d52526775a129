/*
Package authmw is HTTP middleware which adds OAuth login to an application, backed by a local sqlite database.

The middleware serves a small set of routes itself:

  - /oauth-client-metadata.json: the OAuth client metadata document
  - {prefix}/login?handle=: starts an authorization flow
  - {prefix}/callback: completes the flow and sets the session cookie
  - {prefix}/userinfo: profile of the logged in account
  - {prefix}/logout: clears the session

The prefix defaults to "/client". Everything else is passed through to the wrapped handler, which can read the logged in account with [SubjectFromContext].

The OAuth protocol itself is delegated to an [OAuthClient], built by the configured [ClientFactory] once the public URL is known. See the oidcclient package for an implementation.

Usage with the standard library:

	mw, err := authmw.New(authmw.Config{
		PublicURL:     "https://app.example.com",
		ClientFactory: oidcclient.Factory(oidcclient.Config{Issuer: "https://auth.example.com"}),
	})
	if err != nil {
		return err
	}
	defer mw.Close()
	http.ListenAndServe(":8080", mw.Handler(appHandler))

The middleware must be mounted at the application root.
*/
package authmw
