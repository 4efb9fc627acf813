package devices

import "context"

// ActiveProvider returns the name of the currently active provider from
// the stored document, falling back to "default" when nothing is stored.
// Validation against a name that has no entry fails with ProviderNotFound
// rather than silently picking another provider.
func (s *Store) ActiveProvider(ctx context.Context) string {
	doc, ok := s.tiered.Snapshot(ctx, s.configType)
	if !ok || doc.ActiveProvider == "" {
		return "default"
	}
	return doc.ActiveProvider
}
