package server

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/interchange"
)

func (s *Server) registerHerbRoutes(r fiber.Router) {
	h := r.Group("/herbs")
	h.Get("", s.listHerbs)
	h.Put("", s.replaceHerbs)
	h.Post("/import", s.importHerbs)
	h.Get("/export", s.exportHerbs)
}

type herbList struct {
	Herbs    []herbstore.Record `json:"herbs"`
	Revision int64              `json:"revision"`
}

func etag(revision int64) string {
	return fmt.Sprintf(`"%d"`, revision)
}

func parseFilter(c *fiber.Ctx) (herbstore.Filter, error) {
	var f herbstore.Filter

	if raw := c.Query("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fiber.NewError(fiber.StatusBadRequest, "invalid id: "+raw)
		}
		f.ID = &id
	}
	if name := c.Query("name"); name != "" {
		f.Name = &name
	}
	for key, dst := range map[string]**float64{"min_price": &f.MinPrice, "max_price": &f.MaxPrice} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid %s: %s", key, raw))
		}
		*dst = &v
	}
	return f, nil
}

// listHerbs returns the records matching the query parameters together with
// the store revision, which is also sent as the ETag.
func (s *Server) listHerbs(c *fiber.Ctx) error {
	f, err := parseFilter(c)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	store := s.agent.Store()

	rev, err := store.Revision(ctx)
	if err != nil {
		return err
	}
	records, err := store.Query(ctx, f)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderETag, etag(rev))
	return c.JSON(herbList{Herbs: records, Revision: rev})
}

// replaceHerbs swaps in a complete new record set. With an If-Match header
// the swap only happens when the store is still at that revision.
func (s *Server) replaceHerbs(c *fiber.Ctx) error {
	var req struct {
		Herbs []herbstore.Record `json:"herbs"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}

	ctx := c.UserContext()
	store := s.agent.Store()

	if match := c.Get(fiber.HeaderIfMatch); match != "" {
		rev, err := strconv.ParseInt(strings.Trim(strings.TrimPrefix(match, "W/"), `"`), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid If-Match: "+match)
		}
		if err := store.ReplaceAllAt(ctx, rev, req.Herbs); err != nil {
			return err
		}
	} else if err := store.ReplaceAll(ctx, req.Herbs); err != nil {
		return err
	}

	rev, err := store.Revision(ctx)
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "herbs replaced", "records", len(req.Herbs), "revision", rev)

	c.Set(fiber.HeaderETag, etag(rev))
	return c.JSON(fiber.Map{"count": len(req.Herbs), "revision": rev})
}

// importHerbs replaces the store with an uploaded CSV file.
func (s *Server) importHerbs(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "missing form file \"file\"")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := interchange.Import(c.UserContext(), s.agent.Store(), f)
	if err != nil {
		return err
	}

	rev, err := s.agent.Store().Revision(c.UserContext())
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderETag, etag(rev))
	return c.JSON(fiber.Map{"imported": n, "revision": rev})
}

// exportHerbs downloads the store as UTF-8 CSV.
func (s *Server) exportHerbs(c *fiber.Ctx) error {
	var buf bytes.Buffer
	if _, err := interchange.Export(c.UserContext(), s.agent.Store(), &buf); err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="herbs.csv"`)
	return c.Send(buf.Bytes())
}
