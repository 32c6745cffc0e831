package renderer

// StealthScript runs before any page script and masks the common
// headless-automation tells.
const StealthScript = `(() => {
  Object.defineProperty(Navigator.prototype, 'webdriver', { get: () => undefined });
  if (!navigator.languages || navigator.languages.length === 0) {
    Object.defineProperty(Navigator.prototype, 'languages', { get: () => ['en-US', 'en'] });
  }
  if (navigator.plugins.length === 0) {
    Object.defineProperty(Navigator.prototype, 'plugins', { get: () => [1, 2, 3, 4, 5] });
  }
  if (!window.chrome) {
    window.chrome = { runtime: {} };
  }
  const query = window.navigator.permissions && window.navigator.permissions.query;
  if (query) {
    window.navigator.permissions.query = (p) =>
      p && p.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission })
        : query(p);
  }
})();`

// LaunchArgs are the Chromium switches both engines pass at launch.
func LaunchArgs(noSandbox bool) []string {
	args := []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--disable-gpu",
		"--hide-scrollbars",
	}
	if noSandbox {
		args = append(args, "--no-sandbox")
	}
	return args
}
