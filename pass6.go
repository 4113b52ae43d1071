package ffs

// maxQuotaRounds bounds how often pass 6 starts over after a quota file
// grew and so changed the usage of its own owner.
const maxQuotaRounds = 3

// pass6 checks the quota v2 files against the usage counted in pass 1.
func (s *session) pass6() {
	for round := 0; round < maxQuotaRounds; round++ {
		grew := false
		for t := 0; t < maxQuotas; t++ {
			if s.quota.enabled[t] && s.checkQuota(t) {
				grew = true
			}
		}
		if !grew {
			return
		}
		s.log.WithField("round", round+1).Debug("quota file grew; checking again")
	}
}

// checkQuota validates one quota file and reports whether it grew.
func (s *session) checkQuota(t int) bool {
	name := quotaNames[t]
	ino := s.quotaIno[t]
	if ino < RootIno || ino >= s.maxino || s.inos.get(ino).state != stFile || s.ginode(ino).Mode&ifmt != ifreg {
		s.cannotFix(ClassQuotaStructure, ino, "%s QUOTA INODE %d IS NOT A REGULAR FILE", name, ino)
		return false
	}

	q := s.loadQuotaFile(t, ino)
	if q == nil {
		fatalf(ErrQuotaCorrupt, "%s QUOTA FILE I=%d HAS NO DATA", name, ino)
	}
	defer q.save()

	if !q.headerValid() {
		if !s.reply(ClassQuotaStructure, ino, -1, "REBUILD", "BAD %s QUOTA HEADER I=%d", name, ino) {
			return false
		}
		q.resetHeader()
	}

	byID := q.checkStructure()
	return q.checkUsage(byID)
}
