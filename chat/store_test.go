package chat

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobchat/models"
)

func msg(id, sender, text, created string) models.ChatMessage {
	return models.ChatMessage{ID: id, SenderID: sender, Text: text, CreatedAt: created}
}

func Test_StoreAppend(t *testing.T) {
	t.Run("dedup by id", func(t *testing.T) {
		s := NewStore()
		assert.True(t, s.Append("j1", msg("m1", "u1", "hi", "t1")))
		assert.False(t, s.Append("j1", msg("m1", "u2", "edited", "t2")))
		require.Len(t, s.Snapshot("j1"), 1)
		assert.Equal(t, "hi", s.Snapshot("j1")[0].Text)
	})

	t.Run("dedup by composite key without id", func(t *testing.T) {
		s := NewStore()
		assert.True(t, s.Append("j1", msg("", "u1", "hi", "t1")))
		assert.False(t, s.Append("j1", msg("", "u1", "hi", "t1")))
		assert.True(t, s.Append("j1", msg("", "u1", "hi", "t2")))
		assert.Len(t, s.Snapshot("j1"), 2)
	})

	t.Run("id-bearing copy upgrades id-less entry in place", func(t *testing.T) {
		s := NewStore()
		s.Append("j1", msg("", "u1", "hi", "t1"))
		s.Append("j1", msg("m2", "u2", "yo", "t2"))
		assert.False(t, s.Append("j1", msg("m1", "u1", "hi", "t1")))

		got := s.Snapshot("j1")
		require.Len(t, got, 2)
		assert.Equal(t, "m1", got[0].ID)
		assert.Equal(t, "m2", got[1].ID)
		assert.False(t, s.Append("j1", msg("m1", "u1", "hi", "t1")))
	})

	t.Run("same id in different jobs is kept per job", func(t *testing.T) {
		s := NewStore()
		assert.True(t, s.Append("j1", msg("m1", "u1", "hi", "t1")))
		assert.True(t, s.Append("j2", msg("m1", "u1", "hi", "t1")))
		assert.Equal(t, []string{"j1", "j2"}, s.Jobs())
	})

	t.Run("blank jobId is filled from the target job", func(t *testing.T) {
		s := NewStore()
		s.Append("j1", msg("m1", "u1", "hi", "t1"))
		assert.Equal(t, "j1", s.Snapshot("j1")[0].JobID)
	})

	t.Run("published snapshots are not modified", func(t *testing.T) {
		s := NewStore()
		s.Append("j1", msg("", "u1", "hi", "t1"))
		before := s.Snapshot("j1")
		s.Append("j1", msg("m1", "u1", "hi", "t1"))
		s.Append("j1", msg("m2", "u1", "again", "t2"))
		assert.Empty(t, before[0].ID)
		assert.Len(t, before, 1)
	})
}

func Test_StoreMerge(t *testing.T) {
	t.Run("empty history keeps live messages", func(t *testing.T) {
		s := NewStore()
		s.Append("J", msg("m1", "u1", "live", "t1"))
		assert.Equal(t, 0, s.Merge("J", nil))
		require.Len(t, s.Snapshot("J"), 1)
		assert.Equal(t, "m1", s.Snapshot("J")[0].ID)
	})

	t.Run("composite duplicates collapse and take the history id", func(t *testing.T) {
		s := NewStore()
		s.Append("J", msg("", "u1", "hi", "t1"))
		s.Append("J", msg("", "u1", "hi", "t1"))
		s.Merge("J", []models.ChatMessage{msg("m1", "u1", "hi", "t1")})

		got := s.Snapshot("J")
		require.Len(t, got, 1)
		assert.Equal(t, "m1", got[0].ID)
	})

	t.Run("union of both sources", func(t *testing.T) {
		s := NewStore()
		s.Append("J", msg("live", "u1", "new", "t9"))
		added := s.Merge("J", []models.ChatMessage{
			msg("h1", "u2", "old", "t1"),
			msg("live", "u1", "new", "t9"),
			msg("h2", "u2", "older", "t2"),
		})
		assert.Equal(t, 2, added)

		var ids []string
		for _, m := range s.Snapshot("J") {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []string{"live", "h1", "h2"}, ids)
	})

	t.Run("history copy wins on field disagreement", func(t *testing.T) {
		s := NewStore()
		s.Append("J", models.ChatMessage{ID: "m1", SenderRole: "Customer", Text: "hi"})
		s.Merge("J", []models.ChatMessage{{ID: "m1", SenderRole: "customer", Text: "hi", ThreadID: "t1"}})
		got := s.Snapshot("J")
		require.Len(t, got, 1)
		assert.Equal(t, "customer", got[0].SenderRole)
		assert.Equal(t, "t1", got[0].ThreadID)
	})

	t.Run("duplicates inside one history batch collapse", func(t *testing.T) {
		s := NewStore()
		added := s.Merge("J", []models.ChatMessage{
			msg("m1", "u1", "a", "t1"),
			msg("m1", "u1", "a", "t1"),
			msg("", "u2", "b", "t2"),
			msg("", "u2", "b", "t2"),
		})
		assert.Equal(t, 2, added)
		assert.Len(t, s.Snapshot("J"), 2)
	})

	t.Run("merge is idempotent", func(t *testing.T) {
		s := NewStore()
		history := []models.ChatMessage{msg("m1", "u1", "a", "t1"), msg("", "u2", "b", "t2")}
		s.Merge("J", history)
		first := s.Snapshot("J")
		assert.Equal(t, 0, s.Merge("J", history))
		assert.Equal(t, first, s.Snapshot("J"))
	})
}

func Test_StoreReplaceKeepsCompositeOwner(t *testing.T) {
	s := NewStore()
	s.Append("J", msg("", "u1", "b", "t1"))
	s.Append("J", msg("m1", "u1", "a", "t1"))

	// m1 is edited into the same sender, text and time as the id-less entry.
	s.Merge("J", []models.ChatMessage{msg("m1", "u1", "b", "t1")})
	require.Len(t, s.Snapshot("J"), 2)

	assert.Equal(t, 0, s.Merge("J", []models.ChatMessage{msg("m2", "u1", "b", "t1")}))
	got := s.Snapshot("J")
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].ID)
	assert.Equal(t, "m1", got[1].ID)
}

// universe returns n messages with distinct ids and composite keys.
func universe(n int) []models.ChatMessage {
	msgs := make([]models.ChatMessage, n)
	for i := range msgs {
		msgs[i] = msg(fmt.Sprintf("m%03d", i), fmt.Sprintf("u%d", i%3), fmt.Sprintf("text %d", i),
			fmt.Sprintf("2024-01-01T00:%02d:%02dZ", i/60, i%60))
	}
	return msgs
}

// overlappingBatches splits all into windows of size that overlap by half.
func overlappingBatches(all []models.ChatMessage, size int) [][]models.ChatMessage {
	var batches [][]models.ChatMessage
	for start := 0; start < len(all); start += size / 2 {
		end := start + size
		if end > len(all) {
			end = len(all)
		}
		batches = append(batches, all[start:end])
		if end == len(all) {
			break
		}
	}
	return batches
}

func shuffled(r *rand.Rand, in []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(in))
	copy(out, in)
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func dedupKeys(msgs []models.ChatMessage) []string {
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.DedupKey())
	}
	sort.Strings(keys)
	return keys
}

func Test_StoreMergeConverges(t *testing.T) {
	all := universe(200)
	want := dedupKeys(all)
	batches := overlappingBatches(all, 50)

	t.Run("merge order does not change the result", func(t *testing.T) {
		forward, backward := NewStore(), NewStore()
		for i := range batches {
			forward.Merge("J", batches[i])
			backward.Merge("J", batches[len(batches)-1-i])
		}
		assert.Equal(t, want, dedupKeys(forward.Snapshot("J")))
		assert.Equal(t, want, dedupKeys(backward.Snapshot("J")))
	})

	t.Run("concurrent merges and appends", func(t *testing.T) {
		for round := 0; round < 20; round++ {
			r := rand.New(rand.NewSource(int64(round)))
			s := NewStore()
			view := s.Observe("J")

			var inputs [][]models.ChatMessage
			for _, b := range batches {
				inputs = append(inputs, shuffled(r, b))
			}
			var live [][]models.ChatMessage
			for g := 0; g < 4; g++ {
				var part []models.ChatMessage
				for i := g; i < len(all); i += 4 {
					m := all[i]
					if i%2 == 0 {
						m.ID = ""
					}
					part = append(part, m)
				}
				live = append(live, shuffled(r, part))
			}

			stop := make(chan struct{})
			readerErrs := make(chan string, 1)
			go func() {
				defer close(readerErrs)
				last := 0
				for {
					select {
					case <-stop:
						return
					default:
					}
					snap := view.Load()
					seen := make(map[string]bool, len(snap))
					for _, m := range snap {
						if seen[m.CompositeKey()] {
							readerErrs <- "snapshot holds a duplicate: " + m.CompositeKey()
							return
						}
						seen[m.CompositeKey()] = true
					}
					if len(snap) < last {
						readerErrs <- "snapshot shrank"
						return
					}
					last = len(snap)
				}
			}()

			var wg sync.WaitGroup
			for _, b := range inputs {
				wg.Add(1)
				go func(b []models.ChatMessage) {
					defer wg.Done()
					s.Merge("J", b)
				}(b)
			}
			for _, part := range live {
				wg.Add(1)
				go func(part []models.ChatMessage) {
					defer wg.Done()
					for _, m := range part {
						s.Append("J", m)
					}
				}(part)
			}
			wg.Wait()
			close(stop)

			for e := range readerErrs {
				t.Fatalf("round %d: %s", round, e)
			}
			got := s.Snapshot("J")
			require.Len(t, got, len(all), "round %d", round)
			assert.Equal(t, want, dedupKeys(got), "round %d", round)
		}
	})
}

func Test_StoreClear(t *testing.T) {
	s := NewStore()
	view := s.Observe("j1")
	s.Append("j1", msg("m1", "u1", "hi", "t1"))
	s.Append("j2", msg("m2", "u1", "hi", "t1"))

	s.Clear("j1")
	assert.Empty(t, view.Load())
	assert.Len(t, s.Snapshot("j2"), 1)
	assert.True(t, s.Append("j1", msg("m1", "u1", "hi", "t1")), "cleared ids can be appended again")

	s.ClearAll()
	assert.Empty(t, s.Snapshot("j1"))
	assert.Empty(t, s.Snapshot("j2"))
}
