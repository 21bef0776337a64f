package pipeline

import (
	"go.uber.org/zap"

	"partsync/internal"
	"partsync/internal/util"
)

// MatchCodes pairs scraped feed codes with registry codes: first by raw
// equality, then by canonical key for everything raw equality missed.
// Input order decides ties. When two codes reduce to the same canonical key
// the first occurrence keeps the key and later ones are reported in
// Collisions, so no key ever maps to two records. Blank codes and codes
// whose canonical key is empty cannot identify anything and stay unmatched.
func MatchCodes(registryCodes, scrapedCodes []string, log *zap.Logger) internal.CodeMatch {
	registrySet := make(map[string]bool, len(registryCodes))
	registryByKey := make(map[string]string, len(registryCodes))
	for _, code := range registryCodes {
		if code == "" {
			continue
		}
		registrySet[code] = true
		key := util.NormalizeCode(code)
		if key == "" {
			continue
		}
		if prev, ok := registryByKey[key]; ok {
			if prev != code {
				log.Warn("registry codes share a canonical key",
					zap.String("key", key),
					zap.String("kept", prev),
					zap.String("dropped", code))
			}
			continue
		}
		registryByKey[key] = code
	}

	match := internal.CodeMatch{Mapping: make(map[string]string)}
	seen := make(map[string]bool, len(scrapedCodes))
	claimedKeys := make(map[string]string, len(scrapedCodes))
	for _, code := range scrapedCodes {
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		key := util.NormalizeCode(code)

		if registrySet[code] {
			match.Pairs = append(match.Pairs, internal.MatchPair{
				ScrapedCode:  code,
				RegistryCode: code,
				Kind:         internal.MatchExact,
			})
			match.Mapping[code] = code
			if key != "" {
				if _, taken := claimedKeys[key]; !taken {
					claimedKeys[key] = code
				}
			}
			continue
		}

		if key == "" {
			match.Unmatched = append(match.Unmatched, code)
			continue
		}
		if prev, taken := claimedKeys[key]; taken {
			match.Collisions = append(match.Collisions, code)
			log.Warn("feed codes share a canonical key",
				zap.String("key", key),
				zap.String("kept", prev),
				zap.String("dropped", code))
			continue
		}
		claimedKeys[key] = code

		if reg, ok := registryByKey[key]; ok {
			match.Pairs = append(match.Pairs, internal.MatchPair{
				ScrapedCode:  code,
				RegistryCode: reg,
				Kind:         internal.MatchNormalized,
			})
			match.Mapping[code] = reg
		} else {
			match.Unmatched = append(match.Unmatched, code)
		}
	}

	return match
}
