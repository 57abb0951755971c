package webdavxml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMultistatus = `<?xml version="1.0" encoding="utf-8"?>
<multistatus xmlns="DAV:" xmlns:cs="http://calendarserver.org/ns/" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <response>
    <href>/calendars/user/home/event1.ics</href>
    <propstat>
      <prop>
        <getetag>"abc123"</getetag>
        <cs:getctag>ctag-value</cs:getctag>
      </prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
  <response>
    <href>/calendars/user/</href>
    <propstat>
      <prop>
        <C:calendar-home-set>
          <href>/calendars/user/home1/</href>
          <href>/calendars/user/home2/</href>
        </C:calendar-home-set>
      </prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
</multistatus>`

func TestParseMultistatus_ETagAndCTag(t *testing.T) {
	ms := ParseMultistatus(strings.NewReader(sampleMultistatus))
	require.Len(t, ms.Responses, 2)

	resp := ms.Responses[0]
	p, err := resp.Path()
	require.NoError(t, err)
	assert.Equal(t, "/calendars/user/home/event1.ics", p)

	etag, ok := resp.ETag()
	require.True(t, ok)
	assert.Equal(t, "abc123", etag)
}

func TestExtractCalendarHomeURLs_Multiple(t *testing.T) {
	ms := ParseMultistatus(strings.NewReader(sampleMultistatus))
	require.Len(t, ms.Responses, 2)
	urls := ExtractCalendarHomeURLs(&ms.Responses[1])
	assert.ElementsMatch(t, []string{"/calendars/user/home1/", "/calendars/user/home2/"}, urls)
}

func TestParseMultistatus_MalformedReturnsEmpty(t *testing.T) {
	ms := ParseMultistatus(strings.NewReader("<not-xml"))
	assert.Empty(t, ms.Responses)
}

func TestParseMultistatus_UnexpectedOrderTolerated(t *testing.T) {
	body := `<?xml version="1.0"?>
<multistatus xmlns="DAV:">
  <response>
    <propstat>
      <status>HTTP/1.1 200 OK</status>
      <prop><getetag>"e1"</getetag></prop>
    </propstat>
    <href>/cal/1.ics</href>
  </response>
</multistatus>`
	ms := ParseMultistatus(strings.NewReader(body))
	require.Len(t, ms.Responses, 1)
	etag, ok := ms.Responses[0].ETag()
	require.True(t, ok)
	assert.Equal(t, "e1", etag)
}
