package gateway

import "html/template"

// waitingPage is served while session initialization runs. It embeds
// the hidden silent sign-on frame and relays the frame's result back to
// the gateway, then reloads to pick up the settled state.
const waitingPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="2">
<title>Signing in</title>
</head>
<body>
<p>Checking your session…</p>
<iframe src="/auth/silent/start" hidden></iframe>
<script>
window.addEventListener("message", function (e) {
  if (e.origin !== window.origin) return;
  fetch("/auth/silent/result", {
    method: "POST",
    headers: { "Content-Type": "text/plain" },
    body: String(e.data),
  });
});
</script>
</body>
</html>
`

// silentCallbackPage runs inside the hidden frame after the provider
// redirects back. It hands the full redirect URL to the parent page;
// the target origin restricts who may receive it.
const silentCallbackPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Silent sign-on</title></head>
<body>
<script>
if (window.parent !== window) {
  window.parent.postMessage(window.location.href, {{.Origin}});
}
</script>
</body>
</html>
`

var silentCallbackTmpl = template.Must(template.New("silent-callback").Parse(silentCallbackPage))

// indexPage is the workbench shell shown to signed-in users.
const indexPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>AAS Workbench</title></head>
<body>
<header>
<span>Signed in as {{.Username}}</span>
<a href="/auth/logout">Sign out</a>
</header>
<main id="workbench" data-api="/api/models"></main>
</body>
</html>
`

var indexTmpl = template.Must(template.New("index").Parse(indexPage))
